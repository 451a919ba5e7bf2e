// Package cmd provides the CLI commands for codescope.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/pkg/version"
)

// Shared flags.
var (
	rootPath string
	offline  bool
	logLevel string
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codescope",
		Short: "Semantic code index with language server integration",
		Long: `codescope builds a semantic index over a codebase and fuses
similarity search with exact symbol resolution from language servers.

Run 'codescope index' to build the index, 'codescope search' to query it,
and 'codescope serve' to expose it to AI clients over MCP.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(version.String() + "\n")

	cmd.PersistentFlags().StringVarP(&rootPath, "root", "r", ".", "project root directory")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "use static embeddings (no Ollama)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newDefinitionCmd())
	cmd.AddCommand(newReferencesCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
