package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationVersions_Embedded(t *testing.T) {
	versions, err := migrationVersions(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_projects.sql", "0002_auth_login_attempts.sql"}, versions)
}

func TestMigrationVersions_SortsAndSkipsNonSQL(t *testing.T) {
	files := fstest.MapFS{
		"migrations/0002_b.sql": {Data: []byte("SELECT 1")},
		"migrations/0001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/README.md":  {Data: []byte("notes")},
		"migrations/old/0.sql":  {Data: []byte("SELECT 1")},
	}

	versions, err := migrationVersions(files)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a.sql", "0002_b.sql"}, versions)
}
