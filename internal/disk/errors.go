package disk

import (
	"fmt"
	"strings"
)

// ValidationError reports a plan that violates a precondition. It is always
// returned before any external tool has been invoked.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError returns a *ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return validationErrorf(format, args...)
}

// DiskError reports a failed or unusable result of an external tool.
type DiskError struct {
	Msg string
	// Command line that was executed, if any.
	Cmd string
	// Combined tool output, if any.
	Output string
	Err    error
}

func (e *DiskError) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Cmd != "" {
		fmt.Fprintf(&b, ": command '%s' failed", e.Cmd)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\n%s", out)
	}
	return b.String()
}

func (e *DiskError) Unwrap() error {
	return e.Err
}
