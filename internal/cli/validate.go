package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/config"
)

// ValidationError is one problem found by validate.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  []string          `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config...]",
		Short: "Validate node configurations",
		Long: `Validate node configurations without opening their databases.

Each file is checked against the configuration schema and the rules
that span fields. Given several files, validate also checks that the
nodes have distinct names and that objects sharing a name are declared
identically, since peers only sync objects they agree on.

With no argument the file named by --config is validated.

Examples:
  weft validate
  weft validate alice.yaml bob.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{rootOpts.Config}
			}
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var errs []ValidationError
	configs := make(map[string]*config.Config)
	for _, file := range files {
		f.VerboseLog("Validating %s", file)
		cfg, err := LoadConfig(file)
		if err != nil {
			errs = append(errs, loadErrors(file, err)...)
			continue
		}
		configs[file] = cfg
	}
	if len(configs) > 1 {
		errs = append(errs, crossCheck(files, configs)...)
	}

	if len(errs) > 0 {
		return outputValidationErrors(f, files, errs)
	}
	return outputValidateSuccess(f, files)
}

// loadErrors splits a LoadConfig error into one entry per violation.
func loadErrors(file string, err error) []ValidationError {
	code, message := ErrCodeGeneric, err.Error()
	var le *LoadError
	if errors.As(err, &le) {
		code, message = le.Code, le.Message
		var merr *multierror.Error
		if errors.As(le.Err, &merr) {
			out := make([]ValidationError, 0, len(merr.Errors))
			for _, e := range merr.Errors {
				out = append(out, ValidationError{File: file, Code: code, Message: e.Error()})
			}
			return out
		}
		if le.Err != nil {
			message = le.Err.Error()
		}
	}
	return []ValidationError{{File: file, Code: code, Message: message}}
}

// crossCheck checks that configurations meant to run together agree.
func crossCheck(files []string, configs map[string]*config.Config) []ValidationError {
	var errs []ValidationError
	nodeFile := make(map[string]string)
	objects := make(map[string]config.Object)
	objectFile := make(map[string]string)

	for _, file := range files {
		cfg, ok := configs[file]
		if !ok {
			continue
		}
		if other, dup := nodeFile[cfg.Name]; dup && other != file {
			errs = append(errs, ValidationError{
				File:    file,
				Code:    ErrCodeConfig,
				Message: fmt.Sprintf("node name %q is also used by %s", cfg.Name, other),
			})
		}
		nodeFile[cfg.Name] = file

		for _, obj := range cfg.Objects {
			prev, seen := objects[obj.Name]
			if !seen {
				objects[obj.Name] = obj
				objectFile[obj.Name] = file
				continue
			}
			if !reflect.DeepEqual(prev, obj) {
				errs = append(errs, ValidationError{
					File:    file,
					Code:    ErrCodeConfig,
					Message: fmt.Sprintf("object %q is declared differently in %s", obj.Name, objectFile[obj.Name]),
				})
			}
		}
	}
	return errs
}

func outputValidateSuccess(f *OutputFormatter, files []string) error {
	if f.JSON() {
		return f.Success(ValidationResult{Valid: true, Files: files})
	}

	if len(files) == 1 {
		fmt.Fprintf(f.Writer, "✓ %s is valid\n", files[0])
		return nil
	}
	fmt.Fprintf(f.Writer, "✓ All %d configs valid\n", len(files))
	return nil
}

func outputValidationErrors(f *OutputFormatter, files []string, errs []ValidationError) error {
	if f.JSON() {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Files: files, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(f.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(f.Writer, "✗ Validation failed")
	fmt.Fprintln(f.Writer)
	for _, e := range errs {
		fmt.Fprintf(f.Writer, "%s\n", e.File)
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
