package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"portfolio-serverless/internal/auth"
	"portfolio-serverless/internal/session"
)

func newLoginCommand(opts *options) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:         "login",
		Short:       "Sign in as the portfolio admin",
		Long:        "Sign in and keep the session tokens in the --state file. The password is read from --password or PORTFOLIO_PASSWORD.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipRestoreAnnotation: "true"},
	}
	cmd.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		if password == "" {
			password = os.Getenv("PORTFOLIO_PASSWORD")
		}
		if username == "" || password == "" {
			return errors.New("username and password are required (--username, --password or PORTFOLIO_PASSWORD)")
		}

		err := opts.manager.Login(cmd.Context(), username, password)
		var limited *session.RateLimitedError
		switch {
		case errors.As(err, &limited):
			return fmt.Errorf("too many failed attempts, try again in %s", limited.RetryAfter)
		case err != nil:
			return err
		}

		tokens, _ := opts.manager.Tokens()
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s. Access token valid until %s.\n",
			tokens.Username, tokens.AccessExpiresAt.Local().Format(time.RFC1123))
		return nil
	})

	cmd.Flags().StringVarP(&username, "username", "u", "", "Admin username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Admin password (defaults to PORTFOLIO_PASSWORD)")

	return cmd
}

func newLogoutCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the saved session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		if err := opts.manager.Logout(cmd.Context()); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Warning: server logout failed:", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	})
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		tokens, ok := opts.manager.Tokens()
		if !ok {
			fmt.Fprintln(out, "Not logged in.")
			return nil
		}

		accessExpiry := tokens.AccessExpiresAt
		if exp, ok := auth.TokenExpiry(tokens.AccessToken); ok {
			accessExpiry = exp
		}

		printTable(out, []string{"Key", "Value"}, [][]any{
			{"server", opts.server},
			{"user", tokens.Username},
			{"state", opts.manager.State().String()},
			{"access_expires", formatExpiry(accessExpiry)},
			{"refresh_expires", formatExpiry(tokens.RefreshExpiresAt)},
		})
		return nil
	})
	return cmd
}

func formatExpiry(t time.Time) string {
	remaining := time.Until(t).Round(time.Second)
	if remaining <= 0 {
		return t.Local().Format(time.RFC3339) + " (expired)"
	}
	return fmt.Sprintf("%s (in %s)", t.Local().Format(time.RFC3339), remaining)
}
