package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/internal/app"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := app.Open(ctx, rootPath, app.Options{
				Offline:     true, // status never needs a live embedder
				LogToStderr: true,
				LogLevel:    logLevel,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			units, files, err := a.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("root:  %s\n", a.Root)
			fmt.Printf("files: %d\n", files)
			fmt.Printf("units: %d\n", units)
			return nil
		},
	}
}
