//go:build linux
// +build linux

package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// runWithPTY starts cmd on a new pseudo-terminal and relays the process's
// own terminal to it until the child exits.
func runWithPTY(cmd *exec.Cmd, started func(int)) (int, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return startFailureCode(err), fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()
	if started != nil {
		started(cmd.Process.Pid)
	}

	resizeCh := make(chan os.Signal, 1)
	signal.Notify(resizeCh, syscall.SIGWINCH)
	defer signal.Stop(resizeCh)
	go func() {
		for range resizeCh {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	resizeCh <- syscall.SIGWINCH

	if oldState, err := makeRaw(int(os.Stdin.Fd())); err == nil {
		defer restoreTerminal(int(os.Stdin.Fd()), oldState)
	}

	doneOut := make(chan struct{})
	go func() {
		defer close(doneOut)
		_, _ = io.Copy(os.Stdout, ptmx)
	}()
	// stdin reads may block forever; this goroutine is not waited for
	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()

	err = cmd.Wait()
	_ = ptmx.Close()
	<-doneOut

	return ExitCode(err)
}

// makeRaw switches fd to raw mode and returns the previous termios.
func makeRaw(fd int) (*unix.Termios, error) {
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	raw := *oldState
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return oldState, nil
}

func restoreTerminal(fd int, state *unix.Termios) {
	if state != nil {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, state)
	}
}
