package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/node"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [object]",
		Short: "Show the state of objects",
		Long: `Show the current members of causal sets and the grants of
capabilities objects, as folded from the local database.

With no argument every configured object is shown.

Examples:
  weft show
  weft show members --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runShow(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return withSession(cmd, opts, func(ctx context.Context, cfg *config.Config, s *session) error {
		names := s.node.Objects()
		if len(args) == 1 {
			names = args
		}

		snaps := make([]*node.Snapshot, 0, len(names))
		for _, name := range names {
			snap, err := s.node.Snapshot(ctx, name)
			if errors.Is(err, node.ErrUnknownObject) {
				return f.Fail(ExitCommandError, ErrCodeObject, "cannot show", err)
			}
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to read object", err)
			}
			snaps = append(snaps, snap)
		}

		if f.JSON() {
			return f.Success(snaps)
		}
		for i, snap := range snaps {
			if i > 0 {
				fmt.Fprintln(f.Writer)
			}
			writeSnapshot(f.Writer, snap, opts.Verbose)
		}
		return nil
	})
}

func writeSnapshot(w io.Writer, snap *node.Snapshot, verbose bool) {
	fmt.Fprintf(w, "%s (%s)\n", snap.Name, snap.Class)
	if verbose {
		fmt.Fprintf(w, "  hash: %s\n", snap.Hash)
		fmt.Fprintf(w, "  applied ops: %d\n", snap.Applied)
	}

	switch snap.Class {
	case config.ClassCausalSet:
		if len(snap.Members) == 0 {
			fmt.Fprintln(w, "  (empty)")
			return
		}
		for _, m := range snap.Members {
			if verbose {
				fmt.Fprintf(w, "  %q  %s\n", m.Value, truncateHash(m.Hash))
				continue
			}
			fmt.Fprintf(w, "  %q\n", m.Value)
		}
	case config.ClassCapabilities:
		if len(snap.Grants) == 0 {
			fmt.Fprintln(w, "  (no grants)")
			return
		}
		for _, g := range snap.Grants {
			status := "active"
			if g.Revoked {
				status = "revoked"
			}
			fmt.Fprintf(w, "  %s: %s [%s]\n", g.Grantee, g.Capability, status)
		}
	}
}
