package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/node"
	"github.com/roach88/weft/internal/transport"
)

// session is a node opened for one command. It runs on a private hub, so
// it neither listens nor dials: writes land in the local database and
// reach peers the next time "weft serve" runs.
type session struct {
	node   *node.Node
	cancel context.CancelFunc
	done   chan error
}

// newLogger returns the logger for a command. Commands other than serve
// only log warnings unless verbose.
func newLogger(w io.Writer, level slog.Level, verbose bool) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSession opens cfg's node and waits until every object is loaded.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	n, err := node.New(ctx, cfg, node.WithHub(transport.NewHub()), node.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &session{node: n, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- n.Run(runCtx) }()

	select {
	case <-n.Ready():
		return s, nil
	case err := <-s.done:
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, multierror.Append(fmt.Errorf("start node: %w", err), n.Close()).ErrorOrNil()
	}
}

// Close stops the node and releases its database.
func (s *session) Close() error {
	s.cancel()
	var result *multierror.Error
	if err := <-s.done; err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	result = multierror.Append(result, s.node.Close())
	return result.ErrorOrNil()
}

// withSession loads the configuration named by opts, opens a session on it
// and calls fn. Failures to load or open are reported through f.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, cfg *config.Config, s *session) error) error {
	f := opts.formatter(cmd)
	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return loadFailure(f, err)
	}
	logger := newLogger(cmd.ErrOrStderr(), slog.LevelWarn, opts.Verbose)
	f.VerboseLog("opening %s (%s)", cfg.Name, cfg.DB)

	ctx := commandContext(cmd)
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open node", err)
	}
	runErr := fn(ctx, cfg, s)
	if err := s.Close(); err != nil && runErr == nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to close node", err)
	}
	return runErr
}

// commandContext returns the command's context, or a background context
// when it was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
