package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/internal/app"
	"github.com/codescope/codescope/internal/index"
	"github.com/codescope/codescope/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index to AI clients over MCP (stdio)",
		Long: `Serve exposes index_project, search, go_to_definition, and
find_references as MCP tools over stdio. Unless --no-watch is given, file
changes are picked up and indexed incrementally while serving.

Logs go to the project data directory; stderr stays quiet because stdio
carries protocol traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.Open(ctx, rootPath, app.Options{
				Offline:   offline,
				Exclusive: true,
				LogLevel:  logLevel,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			runIndex := func(ctx context.Context) (*index.Stats, error) {
				return a.IndexAll(ctx, false)
			}
			server, err := mcp.NewServer(a.Queries, a.Sessions, runIndex, a.Root, a.Logger)
			if err != nil {
				return err
			}

			if !noWatch {
				go func() {
					if err := a.Watch(ctx); err != nil && ctx.Err() == nil {
						a.Logger.Error("watch loop stopped", "error", err.Error())
					}
				}()
			}

			return server.Serve(ctx)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable watcher-driven incremental indexing")
	return cmd
}
