package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/internal/app"
)

func newIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or update the semantic index",
		Long: `Index extracts code units from the project and embeds them into the
semantic index. Subsequent runs are incremental: files and units whose
content is unchanged are skipped.

--force discards the existing index and rebuilds from scratch. This is
also the recovery path after switching embedding models.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if force {
				if err := app.ResetIndex(rootPath); err != nil {
					return err
				}
			}

			a, err := app.Open(ctx, rootPath, app.Options{
				Offline:     offline,
				Exclusive:   true,
				LogToStderr: true,
				LogLevel:    logLevel,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			started := time.Now()
			stats, err := a.IndexAll(ctx, force)
			if err != nil {
				return err
			}

			fmt.Printf("Indexed in %s: %d added, %d updated, %d removed",
				time.Since(started).Round(time.Millisecond),
				stats.Added, stats.Updated, stats.Removed)
			if stats.Failed > 0 {
				fmt.Printf(", %d failed", stats.Failed)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard the existing index and rebuild")
	return cmd
}
