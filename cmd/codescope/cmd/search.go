package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codescope/codescope/internal/app"
	"github.com/codescope/codescope/internal/query"
)

func newSearchCmd() *cobra.Command {
	var (
		limit  int
		anchor string
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the index, optionally anchored at a symbol position",
		Long: `Search runs a hybrid query. The free-text argument searches the
semantic index by meaning; --at file.go:12:5 resolves the symbol at that
position through a language server. With both, exact results rank first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			req := query.Request{K: limit}
			if len(args) > 0 {
				req.Text = args[0]
			}
			if anchor != "" {
				a, err := parseAnchor(anchor)
				if err != nil {
					return err
				}
				req.Anchor = a
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

			resp, err := a.Queries.Query(ctx, req)
			if err != nil {
				return err
			}

			for _, r := range resp.Results {
				printResult(r)
			}
			if len(resp.Degraded) > 0 {
				fmt.Printf("\nwarning: partial results, failed sources: %s\n",
					strings.Join(resp.Degraded, ", "))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "maximum number of results")
	cmd.Flags().StringVar(&anchor, "at", "", "anchor position as path:line:column")
	return cmd
}

func printResult(r *query.Result) {
	switch {
	case r.Location != nil:
		fmt.Printf("%2d. [%s] %s:%d:%d\n",
			r.Rank, r.Relation, r.Location.Path, r.Location.Line, r.Location.Column)
	case r.Match != nil:
		e := r.Match.Entry
		name := e.Symbol
		if name == "" {
			name = e.Kind
		}
		fmt.Printf("%2d. [%.3f] %s:%d  %s %s\n",
			r.Rank, r.Match.Score, e.Path, e.StartLine, e.Kind, name)
		fmt.Printf("    %s\n", firstLine(e.Content))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseAnchor(s string) (*query.Anchor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("anchor must be path:line:column, got %q", s)
	}
	var line, column int
	if _, err := fmt.Sscanf(parts[1], "%d", &line); err != nil {
		return nil, fmt.Errorf("anchor line must be a number, got %q", parts[1])
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &column); err != nil {
		return nil, fmt.Errorf("anchor column must be a number, got %q", parts[2])
	}
	return &query.Anchor{Path: parts[0], Line: line, Column: column}, nil
}
