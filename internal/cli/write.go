package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/node"
)

// WriteOptions holds flags for the write commands.
type WriteOptions struct {
	*RootOptions
	Author string
}

// WriteResult is the JSON payload of a write command.
type WriteResult struct {
	Action string   `json:"action"`
	Object string   `json:"object"`
	Author string   `json:"author"`
	Args   []string `json:"args"`
	Ops    []string `json:"ops"`
}

// writeCommand describes one write command.
type writeCommand struct {
	use     string
	short   string
	long    string
	nargs   int
	action  string
	done    string // past tense for text output
	perform func(ctx context.Context, n *node.Node, object, author string, args []string) ([]string, error)
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, writeCommand{
		use:   "add <object> <value>",
		short: "Add a value to a causal set",
		long: `Add a string value to a causal set.

If the set is governed by a capabilities object, the author must hold
its capability. The write is kept only while the grant it relied on
stands.

Example:
  weft add members carol
  weft add members carol --author bob`,
		nargs:  2,
		action: "add",
		done:   "Added",
		perform: func(ctx context.Context, n *node.Node, object, author string, args []string) ([]string, error) {
			hash, err := n.Add(ctx, object, author, args[0])
			if err != nil {
				return nil, err
			}
			return []string{hash}, nil
		},
	})
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, writeCommand{
		use:   "remove <object> <value>",
		short: "Remove a value from a causal set",
		long: `Remove a string value from a causal set.

Only the adds seen so far are removed; an add made concurrently on
another peer survives the remove.

Example:
  weft remove members carol`,
		nargs:   2,
		action:  "remove",
		done:    "Removed",
		perform: func(ctx context.Context, n *node.Node, object, author string, args []string) ([]string, error) {
			return n.Remove(ctx, object, author, args[0])
		},
	})
}

// NewGrantCommand creates the grant command.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, writeCommand{
		use:   "grant <object> <grantee> <capability>",
		short: "Grant a capability",
		long: `Grant a capability in a capabilities object.

Only the object's owner may grant.

Example:
  weft grant team bob write`,
		nargs:  3,
		action: "grant",
		done:   "Granted",
		perform: func(ctx context.Context, n *node.Node, object, author string, args []string) ([]string, error) {
			hash, err := n.Grant(ctx, object, author, args[0], args[1])
			if err != nil {
				return nil, err
			}
			return []string{hash}, nil
		},
	})
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, writeCommand{
		use:   "revoke <object> <grantee> <capability>",
		short: "Revoke a capability",
		long: `Revoke every current grant of a capability.

Writes the grantee made under a revoked grant are undone on every peer,
including writes made concurrently with the revocation.

Example:
  weft revoke team bob write`,
		nargs:   3,
		action:  "revoke",
		done:    "Revoked",
		perform: func(ctx context.Context, n *node.Node, object, author string, args []string) ([]string, error) {
			return n.Revoke(ctx, object, author, args[0], args[1])
		},
	})
}

func newWriteCommand(rootOpts *RootOptions, def writeCommand) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           def.use,
		Short:         def.short,
		Long:          def.long,
		Args:          cobra.ExactArgs(def.nargs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(opts, def, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", "", "author of the write (defaults to the config's author, then its name)")

	return cmd
}

func runWrite(opts *WriteOptions, def writeCommand, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	object, rest := args[0], args[1:]
	for i, a := range rest {
		if a == "" {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("argument %d of %s must not be empty", i+2, def.action), nil)
		}
	}

	return withSession(cmd, opts.RootOptions, func(ctx context.Context, cfg *config.Config, s *session) error {
		author := authorOf(opts.Author, cfg)
		f.VerboseLog("%s on %s as %s", def.action, object, author)

		ops, err := def.perform(ctx, s.node, object, author, rest)
		if err != nil {
			if errors.Is(err, node.ErrUnknownObject) || errors.Is(err, node.ErrWrongClass) {
				return f.Fail(ExitCommandError, ErrCodeObject, fmt.Sprintf("cannot %s", def.action), err)
			}
			return f.Fail(ExitFailure, ErrCodeRejected, fmt.Sprintf("%s rejected", def.action), err)
		}

		if f.JSON() {
			return f.Success(WriteResult{
				Action: def.action,
				Object: object,
				Author: author,
				Args:   rest,
				Ops:    ops,
			})
		}
		fmt.Fprintf(f.Writer, "✓ %s %s on %s\n", def.done, strings.Join(quoteAll(rest), " "), object)
		for _, h := range ops {
			fmt.Fprintf(f.Writer, "  op %s\n", truncateHash(h))
		}
		return nil
	})
}

// authorOf resolves the author of a write.
func authorOf(flag string, cfg *config.Config) string {
	switch {
	case flag != "":
		return flag
	case cfg.Author != "":
		return cfg.Author
	default:
		return cfg.Name
	}
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// truncateHash shortens a hash for display.
func truncateHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
