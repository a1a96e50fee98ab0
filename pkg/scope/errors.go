package scope

import (
	"errors"
	"fmt"
)

// ErrAcquisitionDeadline is returned when the instrument is still busy after
// the configured acquisition deadline.
var ErrAcquisitionDeadline = errors.New("scope: acquisition deadline exceeded")

// ProtocolError reports a response that does not match what the command
// should have produced.
type ProtocolError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("scope: %s: %s (got %q)", e.Command, e.Reason, e.Response)
}

// FileTransferError is the failure of a single catalog entry.
type FileTransferError struct {
	Name string
	Op   string
	Err  error
}

func (e *FileTransferError) Error() string {
	return fmt.Sprintf("scope: transfer %s: %s: %v", e.Name, e.Op, e.Err)
}

func (e *FileTransferError) Unwrap() error { return e.Err }

// ConfigurationError covers bad settings and local setup that must succeed,
// such as creating the output directory.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("scope: configuration: %v", e.Err)
	}
	return fmt.Sprintf("scope: configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}
