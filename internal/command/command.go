// Package command runs the external tools the installer relies on.
//
// Everything that probes or changes block devices goes through a Runner so
// that the exact command lines can be recorded and scripted in tests.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Cmd is a single invocation of an external tool.
type Cmd struct {
	Name string
	Args []string
	// Fed to the process on stdin. Never logged.
	Stdin []byte
	// Extra environment in KEY=value form, added to the current environment.
	// Never logged.
	Env []string
}

func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// String returns the command line, without stdin or environment.
func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns stdout and stderr as one trimmed string.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	out := strings.TrimSpace(string(r.Stdout))
	if stderr := strings.TrimSpace(string(r.Stderr)); stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	return out
}

// ExitError is returned when a tool ran but exited with a non-zero code.
type ExitError struct {
	Cmd    Cmd
	Result *Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Cmd.Name, e.Result.ExitCode)
}

// Runner executes commands. Run returns the captured output together with
// an *ExitError when the command exits non-zero, or another error when it
// could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

var execCommand = exec.CommandContext

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := execCommand(ctx, c.Name, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	logrus.Debugf("Running: %s", c)
	err := cmd.Run()

	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: c, Result: res}
		}
		return res, fmt.Errorf("running %s failed: %w", c.Name, err)
	}
	return res, nil
}

// Run is a shorthand for running name with args on r.
func Run(ctx context.Context, r Runner, name string, args ...string) (*Result, error) {
	return r.Run(ctx, New(name, args...))
}

// OutputOf returns the tool output carried by err, if any.
func OutputOf(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Result.Output()
	}
	return ""
}
