package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/roach88/weft/internal/config"
)

// LoadError is a configuration that could not be loaded, with the error
// code it is reported under.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadConfig reads, checks and validates the configuration at path.
func LoadConfig(path string) (*config.Config, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s (run \"weft init\" to create one)", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config %s", path), Err: err}
	}
	if info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config is a directory: %s", path)}
	}

	cfg, err := config.Load(path)
	if err != nil {
		code := ErrCodeGeneric
		if errors.Is(err, config.ErrInvalid) {
			code = ErrCodeConfig
		}
		return nil, &LoadError{Code: code, Message: "invalid config", Err: err}
	}
	return cfg, nil
}

// loadFailure reports err from LoadConfig through f and returns the
// command's exit error.
func loadFailure(f *OutputFormatter, err error) error {
	var le *LoadError
	if errors.As(err, &le) {
		return f.Fail(ExitCommandError, le.Code, le.Message, le.Err)
	}
	return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to load config", err)
}
