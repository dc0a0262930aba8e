package auth

import (
	"encoding/hex"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-serverless/internal/observability"
)

func testCredentialConfig() CredentialConfig {
	return CredentialConfig{
		Username:   "admin",
		Password:   "correct",
		Salt:       "test-salt",
		Iterations: 1000,
		Digest:     "sha512",
		KeyLength:  64,
	}
}

func newTestCredentialStore(t *testing.T) *CredentialStore {
	t.Helper()
	store, err := NewCredentialStore(testCredentialConfig(), observability.NewNopLogger())
	require.NoError(t, err)
	return store
}

func TestCredentialStore_DeriveKeyIsDeterministic(t *testing.T) {
	store := newTestCredentialStore(t)

	first := store.DeriveKey("value")
	second := store.DeriveKey("value")

	assert.Len(t, first, 64)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, store.DeriveKey("value2"))
}

func TestCredentialStore_Verify(t *testing.T) {
	store := newTestCredentialStore(t)

	assert.True(t, store.Verify("admin", "correct"))
	assert.True(t, store.Verify("  Admin ", "correct"), "username is normalized")
	assert.False(t, store.Verify("admin", "Correct"), "password is case sensitive")
	assert.False(t, store.Verify("", ""))
}

func TestCredentialStore_ConfiguredPasswordIsTrimmed(t *testing.T) {
	cfg := testCredentialConfig()
	cfg.Password = "  correct\n"
	store, err := NewCredentialStore(cfg, observability.NewNopLogger())
	require.NoError(t, err)

	assert.True(t, store.Verify("admin", "correct"))
	assert.True(t, store.Verify("admin", " correct "))
	assert.False(t, store.Verify("admin", "correc t"))
}

func TestCredentialStore_SingleCharacterMutations(t *testing.T) {
	store := newTestCredentialStore(t)

	mutate := func(s string, i int) string {
		b := []byte(s)
		b[i] ^= 0x01
		return string(b)
	}

	for i := range "admin" {
		assert.False(t, store.Verify(mutate("admin", i), "correct"), "username mutation at %d", i)
	}
	for i := range "correct" {
		assert.False(t, store.Verify("admin", mutate("correct", i)), "password mutation at %d", i)
	}
}

func TestCredentialStore_UsesPrecomputedHash(t *testing.T) {
	cfg := testCredentialConfig()
	seed, err := NewCredentialStore(cfg, observability.NewNopLogger())
	require.NoError(t, err)

	cfg.UsernameHash = hex.EncodeToString(seed.DeriveKey("admin"))
	cfg.PasswordHash = hex.EncodeToString(seed.DeriveKey("from-hash"))
	cfg.Password = ""

	store, err := NewCredentialStore(cfg, observability.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, store.Verify("admin", "from-hash"))
	assert.False(t, store.Verify("admin", "correct"))
}

func TestCredentialStore_FallsBackOnBadHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{name: "not hex", hash: "zz-not-hex"},
		{name: "wrong length", hash: hex.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCredentialConfig()
			cfg.PasswordHash = tt.hash

			store, err := NewCredentialStore(cfg, observability.NewNopLogger())
			require.NoError(t, err)
			assert.True(t, store.Verify("admin", "correct"))
		})
	}
}

func TestCredentialStore_ConfigErrors(t *testing.T) {
	cfg := testCredentialConfig()
	cfg.Password = ""
	_, err := NewCredentialStore(cfg, observability.NewNopLogger())
	assert.ErrorIs(t, err, ErrCredentialsNotConfigured)

	cfg = testCredentialConfig()
	cfg.Digest = "md5"
	_, err = NewCredentialStore(cfg, observability.NewNopLogger())
	assert.Error(t, err)

	cfg = testCredentialConfig()
	cfg.Salt = ""
	_, err = NewCredentialStore(cfg, observability.NewNopLogger())
	assert.Error(t, err)
}

func TestCredentialStore_TimingIndependentOfMismatchPosition(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement")
	}

	store := newTestCredentialStore(t)
	const rounds = 60

	median := func(password string) time.Duration {
		samples := make([]time.Duration, rounds)
		for i := range samples {
			start := time.Now()
			store.Verify("admin", password)
			samples[i] = time.Since(start)
		}
		sort.Slice(samples, func(a, b int) bool { return samples[a] < samples[b] })
		return samples[rounds/2]
	}

	early := median("Xorrect")
	late := median("correcX")

	ratio := float64(early) / float64(late)
	assert.InDelta(t, 1.0, ratio, 0.5, "early=%s late=%s", early, late)
}
