package cli

import (
	"context"
	"fmt"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/node"
	"github.com/roach88/weft/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Sync bool
}

// InspectResult is everything inspect reports.
type InspectResult struct {
	Node        string              `json:"node"`
	DB          string              `json:"db"`
	Store       store.Stats         `json:"store"`
	Objects     []*node.Snapshot    `json:"objects"`
	Sync        []node.ObjectStatus `json:"sync,omitempty"`
	Diagnostics map[string]string   `json:"diagnostics,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the node's internal state",
		Long: `Dump the database counts and the folded state of every object.

With --sync the status of each object's sync coordinator is included:
its announced state, its puller bookkeeping and its server queue. The
command runs its own node, so the sync status shows no peers.

Examples:
  weft inspect
  weft inspect --sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "include sync status and diagnostics")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return withSession(cmd, opts.RootOptions, func(ctx context.Context, cfg *config.Config, s *session) error {
		result, err := inspect(ctx, cfg, s.node, opts.Sync)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to inspect node", err)
		}

		if f.JSON() {
			return f.Success(result)
		}
		dump := litter.Options{
			HidePrivateFields: true,
			Compact:           false,
			StripPackageNames: true,
		}
		fmt.Fprintln(f.Writer, dump.Sdump(result))
		return nil
	})
}

func inspect(ctx context.Context, cfg *config.Config, n *node.Node, withSync bool) (*InspectResult, error) {
	stats, err := n.Store().Stats(ctx)
	if err != nil {
		return nil, err
	}
	result := &InspectResult{Node: cfg.Name, DB: cfg.DB, Store: stats}
	for _, name := range n.Objects() {
		snap, err := n.Snapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, snap)
	}
	if !withSync {
		return result, nil
	}

	result.Sync, err = n.Status(ctx)
	if err != nil {
		return nil, err
	}
	result.Diagnostics = make(map[string]string)
	for _, name := range n.Objects() {
		d, err := n.Diagnostic(ctx, name)
		if err != nil {
			return nil, err
		}
		result.Diagnostics[name] = d
	}
	return result, nil
}
