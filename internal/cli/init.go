package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Name   string
	Peers  []string
	Output string
	Force  bool
}

// InitResult is the JSON payload of the init command.
type InitResult struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter node configuration",
		Long: `Write a configuration for a new node.

The starter holds a capabilities object owned by the node and a causal
set that only authors granted "write" may add to.

Examples:
  weft init --name alice
  weft init --name bob --peer ws://127.0.0.1:7420/weft -o bob.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "node name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringArrayVar(&opts.Peers, "peer", nil, "peer URL to dial (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "file to write (defaults to --config)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	path := opts.Output
	if path == "" {
		path = opts.Config
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to check output", err)
	}

	data, err := config.Starter(opts.Name, opts.Peers...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to build config", err)
	}
	if _, err := config.Parse(data); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "starter config does not validate", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to write config", err)
	}

	if f.JSON() {
		return f.Success(InitResult{Path: path, Name: opts.Name})
	}
	fmt.Fprintf(f.Writer, "✓ Wrote %s for node %s\n", path, opts.Name)
	return nil
}
