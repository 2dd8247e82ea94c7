package command

import (
	"context"
	"os/exec"
)

// MockExecCommand replaces the exec.CommandContext() wrapper and returns a
// function that can be called to restore the original.
func MockExecCommand(mock func(ctx context.Context, name string, arg ...string) *exec.Cmd) (restore func()) {
	original := execCommand
	execCommand = mock
	return func() {
		execCommand = original
	}
}
