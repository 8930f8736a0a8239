// Package proc runs external programs from argv vectors and maps their
// termination onto shell-style exit codes.
//
// Nothing in trimorph builds shell strings. The only shell invocation is a
// jail's bootstrap line, which is passed to /bin/sh -c as a single argument.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Conventional exit codes for children that never ran.
const (
	ExitNotFound  = 127
	ExitCannotRun = 126
)

// DefaultGrace is the TERM->KILL escalation delay.
const DefaultGrace = time.Second

// Command describes one child process.
type Command struct {
	Argv []string
	// Env replaces the environment when non-nil.
	Env []string
	Dir string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// TTY attaches the child to a new pseudo-terminal wired to the
	// process's own stdin/stdout. Stdin/Stdout/Stderr are ignored.
	TTY bool

	SysProcAttr *syscall.SysProcAttr

	// Grace is how long a cancelled child gets between SIGTERM and SIGKILL.
	// Zero means DefaultGrace.
	Grace time.Duration

	// Started is called with the child's pid once it runs.
	Started func(pid int)
}

// Runner starts a command and waits for it.
//
// Run returns the child's exit code. The error is non-nil only when the
// child could not be started; a child that ran and failed is reported
// through the exit code alone.
type Runner interface {
	Run(ctx context.Context, c Command) (int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = c.SysProcAttr

	// cancellation escalates TERM -> KILL instead of killing outright
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = c.Grace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultGrace
	}

	if c.TTY {
		return runWithPTY(cmd, c.Started)
	}

	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	if err := cmd.Start(); err != nil {
		return startFailureCode(err), fmt.Errorf("start %s: %w", c.Argv[0], err)
	}
	if c.Started != nil {
		c.Started(cmd.Process.Pid)
	}
	return ExitCode(cmd.Wait())
}

// ExitCode converts the result of Wait into an exit code. Children killed
// by a signal report 128+signal, like a shell.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func startFailureCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ExitNotFound
	}
	return ExitCannotRun
}

// Stdio returns a command wired to the process's own standard streams.
func Stdio(argv ...string) Command {
	return Command{Argv: argv, Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}
