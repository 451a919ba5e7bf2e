package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/internal/app"
	"github.com/codescope/codescope/internal/lsp"
)

func newDefinitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "def <path:line:column>",
		Short: "Resolve the definition of the symbol at a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveSymbol(cmd, args[0], false, false)
		},
	}
}

func newReferencesCmd() *cobra.Command {
	var includeDecl bool

	cmd := &cobra.Command{
		Use:   "refs <path:line:column>",
		Short: "Find all references to the symbol at a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveSymbol(cmd, args[0], true, includeDecl)
		},
	}
	cmd.Flags().BoolVar(&includeDecl, "include-declaration", true, "include the declaration in the results")
	return cmd
}

func resolveSymbol(cmd *cobra.Command, anchor string, references, includeDecl bool) error {
	ctx := cmd.Context()

	pos, err := parseAnchor(anchor)
	if err != nil {
		return err
	}

	a, err := app.Open(ctx, rootPath, app.Options{
		Offline:     offline,
		LogToStderr: true,
		LogLevel:    logLevel,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	var locs []lsp.SymbolLocation
	if references {
		locs, err = a.Sessions.References(ctx, a.Root, pos.Path, pos.Line, pos.Column, includeDecl)
	} else {
		locs, err = a.Sessions.Definition(ctx, a.Root, pos.Path, pos.Line, pos.Column)
	}
	if err != nil {
		return err
	}

	if len(locs) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, l := range locs {
		fmt.Printf("%s:%d:%d\n", l.Path, l.Line, l.Column)
	}
	return nil
}
