// Package cli implements portfolioctl, the admin command line client.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"portfolio-serverless/internal/session"
)

const skipRestoreAnnotation = "portfolioctl/skip-restore"

type options struct {
	server  string
	state   string
	manager *session.Manager
}

// NewRootCommand builds the portfolioctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "portfolioctl",
		Short:         "Manage the portfolio from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.open(cmd)
		},
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOrDefault("PORTFOLIO_SERVER", "http://localhost:8080"), "Base URL of the portfolio API")
	root.PersistentFlags().StringVar(&opts.state, "state", defaultStatePath(), "File the session tokens are kept in")

	root.AddCommand(newLoginCommand(opts))
	root.AddCommand(newLogoutCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newProjectsCommand(opts))

	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run wraps a command body so the session timer is stopped however it ends.
func (o *options) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer o.manager.Close()
		return fn(cmd, args)
	}
}

func (o *options) open(cmd *cobra.Command) error {
	if o.server == "" {
		return errors.New("--server is required")
	}

	stderr := cmd.ErrOrStderr()
	o.manager = session.NewManager(session.Config{
		BaseURL: o.server,
		Storage: session.NewFileStorage(o.state),
		OnExpired: func() {
			fmt.Fprintln(stderr, "Session expired. Run `portfolioctl login` to sign in again.")
		},
	})

	if _, skip := cmd.Annotations[skipRestoreAnnotation]; skip {
		return nil
	}

	err := o.manager.Restore(cmd.Context())
	if err != nil && !errors.Is(err, session.ErrSessionExpired) {
		fmt.Fprintln(stderr, "Warning: could not refresh the saved session:", err)
	}
	return nil
}

// call sends an authenticated request and decodes a JSON reply into out when
// out is non-nil. Any status outside ok is returned as an error.
func (o *options) call(ctx context.Context, method, path string, body any, out any, ok ...int) error {
	resp, err := o.manager.Do(ctx, method, path, body)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) || errors.Is(err, session.ErrSessionExpired) {
			return errors.New("not logged in, run `portfolioctl login` first")
		}
		return err
	}
	defer resp.Body.Close()

	if !slices.Contains(ok, resp.StatusCode) {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func defaultStatePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "portfolioctl", "session.json")
	}
	return ".portfolioctl-session.json"
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
