package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"portfolio-serverless/internal/project"
)

func newProjectsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage portfolio projects",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all projects, drafts included",
		Args:  cobra.NoArgs,
	}
	list.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		var projects []project.Project
		if err := opts.call(cmd.Context(), http.MethodGet, "/admin/projects", nil, &projects, http.StatusOK); err != nil {
			return err
		}

		rows := make([][]any, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []any{p.Position, p.ID, p.Title, strconv.FormatBool(p.Published), strings.Join(p.Tags, ",")})
		}
		printTable(cmd.OutOrStdout(), []string{"Pos", "ID", "Title", "Published", "Tags"}, rows)
		return nil
	})

	cmd.AddCommand(list)
	cmd.AddCommand(newPublishCommand(opts, "publish", true))
	cmd.AddCommand(newPublishCommand(opts, "unpublish", false))

	order := &cobra.Command{
		Use:   "order <id>...",
		Short: "Set the display order of projects",
		Args:  cobra.MinimumNArgs(1),
	}
	order.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		body := map[string][]string{"ids": args}
		if err := opts.call(cmd.Context(), http.MethodPut, "/admin/projects/order", body, nil, http.StatusNoContent); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reordered %d projects.\n", len(args))
		return nil
	})
	cmd.AddCommand(order)

	return cmd
}

func newPublishCommand(opts *options, use string, published bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a project",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = opts.run(func(cmd *cobra.Command, args []string) error {
		var p project.Project
		path := "/admin/projects/" + url.PathEscape(args[0]) + "/publish"
		body := map[string]bool{"published": published}
		if err := opts.call(cmd.Context(), http.MethodPatch, path, body, &p, http.StatusOK); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: published=%t\n", p.Title, p.Published)
		return nil
	})
	return cmd
}
