package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/node"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node and sync its objects with peers",
		Long: `Run a weft node with the objects listed in its configuration.

The node listens for peers on the configured address, dials every
configured peer, and keeps each object in sync with the peers that
hold it. Writes made with "weft add", "weft grant" and the other write
commands while the node is stopped are sent on the next start.

Example:
  weft serve
  weft serve --config ./alice.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return loadFailure(f, err)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel(), opts.Verbose)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("opening node", "name", cfg.Name, "db", cfg.DB, "objects", len(cfg.Objects))
	n, err := node.New(ctx, cfg, node.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start node", err)
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("error closing node", "error", closeErr)
		}
	}()

	for _, name := range n.Objects() {
		if err := n.OnChange(name, func(ev engine.StateEvent) {
			logger.Info("object changed", "object", name, "op", truncateHash(ev.OpHash), "kind", ev.Kind, "local", ev.Local)
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to watch objects", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Node %s listening on %s\n", cfg.Name, n.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "node error", err)
	}

	logger.Info("node stopped gracefully")
	return nil
}
