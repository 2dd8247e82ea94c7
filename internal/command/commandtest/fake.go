// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"sync"

	"github.com/gobwas/glob"

	"github.com/osbuild/disk-installer/internal/command"
)

// Handler produces the result of a faked command.
type Handler func(cmd command.Cmd) (*command.Result, error)

type rule struct {
	glob    glob.Glob
	handler Handler
}

// Fake is a command.Runner that records every command and answers them with
// handlers registered for glob patterns over the command line. Commands
// without a matching handler succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []command.Cmd
}

func New() *Fake {
	return &Fake{}
}

// On registers h for command lines matching pattern. Handlers registered
// later take precedence.
func (f *Fake) On(pattern string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{glob: glob.MustCompile(pattern), handler: h})
}

// Output makes commands matching pattern succeed with stdout.
func (f *Fake) Output(pattern, stdout string) {
	f.On(pattern, func(cmd command.Cmd) (*command.Result, error) {
		return &command.Result{Stdout: []byte(stdout)}, nil
	})
}

// Fail makes commands matching pattern exit with code and stderr.
func (f *Fake) Fail(pattern string, code int, stderr string) {
	f.On(pattern, func(cmd command.Cmd) (*command.Result, error) {
		return Exit(cmd, code, "", stderr)
	})
}

// Exit builds the return values of a command exiting with code.
func Exit(cmd command.Cmd, code int, stdout, stderr string) (*command.Result, error) {
	res := &command.Result{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: code}
	if code == 0 {
		return res, nil
	}
	return res, &command.ExitError{Cmd: cmd, Result: res}
}

func (f *Fake) Run(ctx context.Context, cmd command.Cmd) (*command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var handler Handler
	line := cmd.String()
	for i := len(f.rules) - 1; i >= 0; i-- {
		if f.rules[i].glob.Match(line) {
			handler = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return &command.Result{}, nil
	}
	return handler(cmd)
}

// Calls returns all commands run so far.
func (f *Fake) Calls() []command.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Cmd(nil), f.calls...)
}

// CommandLines returns the command lines of all commands run so far.
func (f *Fake) CommandLines() []string {
	var lines []string
	for _, c := range f.Calls() {
		lines = append(lines, c.String())
	}
	return lines
}

// Matching returns the command lines that match pattern.
func (f *Fake) Matching(pattern string) []string {
	g := glob.MustCompile(pattern)
	var lines []string
	for _, line := range f.CommandLines() {
		if g.Match(line) {
			lines = append(lines, line)
		}
	}
	return lines
}
