// Package installer dispatches local package files to the host's native
// package manager.
//
// Every format goes through the same engine: classify by extension, take the
// host package manager lock, pick the first available tool of the format's
// preference chain, refresh repositories best effort, then install. Formats
// differ only in registry data.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"trimorph/internal/format"
	"trimorph/internal/lock"
	"trimorph/internal/logging"
	"trimorph/internal/probe"
	"trimorph/internal/proc"
	terrors "trimorph/pkg/errors"

	"github.com/sirupsen/logrus"
)

// ToolMissingError names the tools that were looked for.
type ToolMissingError struct {
	Ext   string
	Tools []string
}

func (e *ToolMissingError) Error() string {
	if e.Ext == "" {
		return fmt.Sprintf("required tool not found: %s", strings.Join(e.Tools, ", "))
	}
	return fmt.Sprintf("no package manager available for %s packages (tried %s)", e.Ext, strings.Join(e.Tools, ", "))
}

func (e *ToolMissingError) Unwrap() error { return terrors.ErrToolMissing }

// Installer installs package files on the host.
type Installer struct {
	Registry *format.Registry
	Probe    probe.Probe
	Runner   proc.Runner

	// LockPath is the HostPMLock file.
	LockPath string
	// Audit records installs; nil disables the audit trail.
	Audit *AuditLog

	Logger logrus.FieldLogger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// InstallLocal installs the package file at path and returns the native
// package manager's exit code. Errors mean no install was attempted.
func (i *Installer) InstallLocal(ctx context.Context, path string) (int, error) {
	log := logging.Ensure(i.Logger).WithField("path", path)

	// classification is a pure string check, so an unknown format is
	// rejected before anything touches the filesystem
	f, err := i.registry().Lookup(path)
	if err != nil {
		return 1, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, fmt.Errorf("%w: %s", terrors.ErrFileNotFound, path)
		}
		return 1, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 1, fmt.Errorf("%w: %s is a directory", terrors.ErrFileNotFound, path)
	}
	// the package manager must never see a relative path or one it could
	// parse as an option
	abs, err := filepath.Abs(path)
	if err != nil {
		return 1, fmt.Errorf("resolve %s: %w", path, err)
	}
	path = abs
	log = log.WithField("path", path)

	var code int
	err = i.withHostLock(func() error {
		tool, ok := i.pickTool(f)
		if !ok {
			return &ToolMissingError{Ext: f.Ext, Tools: toolNames(f.Tools)}
		}
		log = log.WithField("tool", tool.Name)

		if f.Advisory != "" {
			log.Warn(f.Advisory)
		}

		var sum string
		if i.Audit != nil {
			var digestErr error
			if sum, digestErr = fileDigest(path); digestErr != nil {
				log.WithError(digestErr).Warn("cannot digest package for the audit log")
			}
		}

		if len(tool.Update) > 0 {
			updateCode, err := i.run(ctx, tool.Update)
			if err != nil || updateCode != 0 {
				log.WithFields(logrus.Fields{"argv": tool.Update, "exit_code": updateCode}).
					WithError(err).Warn("repository refresh failed, installing anyway")
			}
		}

		argv := tool.InstallArgv(path)
		log.WithField("argv", argv).Info("installing package")
		var runErr error
		code, runErr = i.run(ctx, argv)
		if runErr != nil {
			return fmt.Errorf("run %s: %w", tool.Name, runErr)
		}
		if code != 0 {
			log.WithField("exit_code", code).Warn("package installation failed")
			if hint := tool.Hint(); hint != "" {
				fmt.Fprintln(i.stderr(), hint)
			}
		}

		if i.Audit != nil {
			if err := i.Audit.Record(Entry{Digest: sum, Path: path, Tool: tool.Name, ExitCode: code}); err != nil {
				log.WithError(err).Warn("cannot write install audit log")
			}
		}
		return nil
	})
	if err != nil {
		return 1, err
	}
	return code, nil
}

// RunHostPM runs a host package manager directly, under the same lock and
// busy check as InstallLocal.
func (i *Installer) RunHostPM(ctx context.Context, pkgmgr string, args []string) (int, error) {
	var code int
	err := i.withHostLock(func() error {
		if !i.Probe.HasTool(pkgmgr) {
			return &ToolMissingError{Tools: []string{pkgmgr}}
		}
		var err error
		code, err = i.run(ctx, append([]string{pkgmgr}, args...))
		return err
	})
	if err != nil {
		return 1, err
	}
	return code, nil
}

// withHostLock runs fn while holding the HostPMLock. Contention and a
// running native package manager are refused with ErrBusy, never queued.
func (i *Installer) withHostLock(fn func() error) error {
	held, err := lock.TryAcquire(i.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: another trimorph install is in progress, retry later", terrors.ErrBusy)
		}
		return fmt.Errorf("acquire host package manager lock: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			logging.Ensure(i.Logger).WithError(err).Warn("release host package manager lock")
		}
	}()

	if i.Probe.AnyNativePMRunning() {
		return fmt.Errorf("%w: a native package manager is already running, retry when it finishes", terrors.ErrBusy)
	}
	return fn()
}

func (i *Installer) pickTool(f format.Format) (format.Tool, bool) {
	for _, t := range f.Tools {
		if i.Probe.HasTool(t.Name) {
			return t, true
		}
	}
	return format.Tool{}, false
}

func (i *Installer) run(ctx context.Context, argv []string) (int, error) {
	return i.Runner.Run(ctx, proc.Command{
		Argv:   argv,
		Stdin:  i.Stdin,
		Stdout: i.stdout(),
		Stderr: i.stderr(),
	})
}

func (i *Installer) registry() *format.Registry {
	if i.Registry == nil {
		return format.Default
	}
	return i.Registry
}

func (i *Installer) stdout() io.Writer {
	if i.Stdout == nil {
		return os.Stdout
	}
	return i.Stdout
}

func (i *Installer) stderr() io.Writer {
	if i.Stderr == nil {
		return os.Stderr
	}
	return i.Stderr
}

func toolNames(tools []format.Tool) []string {
	names := make([]string, len(tools))
	for n, t := range tools {
		names[n] = t.Name
	}
	return names
}
