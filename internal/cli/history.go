package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/store"
)

// Op statuses reported by the history command.
const (
	StatusApplied = "applied"
	StatusUndone  = "undone"
	StatusPending = "pending" // held but waiting on a predecessor
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Author string // optional - filter to one author
}

// HistoryEntry is one op of an object's log.
type HistoryEntry struct {
	Hash     string   `json:"hash"`
	Height   int64    `json:"height"`
	Class    string   `json:"class"`
	Author   string   `json:"author,omitempty"`
	PrevOps  []string `json:"prevOps"`
	Status   string   `json:"status"`
	UndoneBy []string `json:"undoneBy,omitempty"`
}

// HistoryResult holds the complete history output.
type HistoryResult struct {
	Object      string         `json:"object"`
	Hash        string         `json:"hash"`
	TerminalOps []string       `json:"terminalOps"`
	Ops         []HistoryEntry `json:"ops"`
	Stats       HistoryStats   `json:"stats"`
}

// HistoryStats holds summary counts for the history.
type HistoryStats struct {
	Total   int `json:"total"`
	Applied int `json:"applied"`
	Undone  int `json:"undone"`
	Pending int `json:"pending"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <object>",
		Short: "List the op log of an object",
		Long: `List every op the local database holds for an object, ordered
by height in the op graph.

Each op is shown with its class, its author and whether it is applied,
undone by a revocation, or pending because a predecessor has not
arrived yet.

Examples:
  weft history members
  weft history members --author bob
  weft history team --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", "", "only list ops by this author")

	return cmd
}

func runHistory(opts *HistoryOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return withSession(cmd, opts.RootOptions, func(ctx context.Context, cfg *config.Config, s *session) error {
		r, ok := s.node.Replica(name)
		if !ok {
			return f.Fail(ExitCommandError, ErrCodeObject, "cannot list history", fmt.Errorf("unknown object %q", name))
		}

		entries, err := buildHistory(ctx, s.node.Store(), r.Hash(), r.Object(), opts.Author)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to read history", err)
		}
		result := HistoryResult{
			Object:      name,
			Hash:        r.Hash(),
			TerminalOps: r.Object().TerminalOps(),
			Ops:         entries,
			Stats:       historyStats(entries),
		}

		if f.JSON() {
			return f.Success(result)
		}
		writeHistory(f.Writer, result, opts.Verbose)
		return nil
	})
}

// buildHistory loads the ops targeting target, sorted by height then hash
// with pending ops last.
func buildHistory(ctx context.Context, st *store.Store, target string, obj *engine.Object, author string) ([]HistoryEntry, error) {
	hashes, err := st.LoadAllByReference(ctx, store.FieldTarget, target)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(hashes))
	for _, h := range hashes {
		o, err := st.LoadOp(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("load op %s: %w", truncateHash(h), err)
		}
		if author != "" && o.Author != author {
			continue
		}
		e := HistoryEntry{
			Hash:    h,
			Class:   o.Class,
			Author:  o.Author,
			PrevOps: o.PrevOps,
		}
		header, err := st.LoadOpHeader(ctx, h)
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.Status = StatusPending
		case err != nil:
			return nil, fmt.Errorf("load header of %s: %w", truncateHash(h), err)
		default:
			e.Height = header.Height
			e.Status = opStatus(obj, h)
		}
		if e.Status == StatusUndone {
			e.UndoneBy = obj.ActiveUndos(h)
		}
		entries = append(entries, e)
	}

	slices.SortFunc(entries, func(a, b HistoryEntry) int {
		if (a.Status == StatusPending) != (b.Status == StatusPending) {
			if a.Status == StatusPending {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.Height, b.Height); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	return entries, nil
}

func opStatus(obj *engine.Object, hash string) string {
	switch {
	case obj.IsUndone(hash):
		return StatusUndone
	case obj.IsApplied(hash):
		return StatusApplied
	default:
		return StatusPending
	}
}

func historyStats(entries []HistoryEntry) HistoryStats {
	st := HistoryStats{Total: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case StatusApplied:
			st.Applied++
		case StatusUndone:
			st.Undone++
		case StatusPending:
			st.Pending++
		}
	}
	return st
}

func writeHistory(w io.Writer, result HistoryResult, verbose bool) {
	fmt.Fprintf(w, "History of %s\n", result.Object)
	if verbose {
		fmt.Fprintf(w, "Hash: %s\n", result.Hash)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Ops ===")
	if len(result.Ops) == 0 {
		fmt.Fprintln(w, "  (no ops)")
	}
	for _, e := range result.Ops {
		author := e.Author
		if author == "" {
			author = "-"
		}
		fmt.Fprintf(w, "  [%d] %s %s by %s (%s)\n", e.Height, truncateHash(e.Hash), e.Class, author, e.Status)
		if verbose {
			for _, p := range e.PrevOps {
				fmt.Fprintf(w, "       after %s\n", truncateHash(p))
			}
			for _, u := range e.UndoneBy {
				fmt.Fprintf(w, "       undone by %s\n", truncateHash(u))
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total:   %d\n", result.Stats.Total)
	fmt.Fprintf(w, "  Applied: %d\n", result.Stats.Applied)
	fmt.Fprintf(w, "  Undone:  %d\n", result.Stats.Undone)
	fmt.Fprintf(w, "  Pending: %d\n", result.Stats.Pending)
}
