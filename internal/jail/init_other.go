//go:build !linux
// +build !linux

package jail

import (
	"fmt"
	"os"
	"syscall"

	"trimorph/internal/config"
	"trimorph/internal/proc"
	terrors "trimorph/pkg/errors"
)

func namespaceAttr(network config.Network) *syscall.SysProcAttr { return nil }

// RunInit is not supported on this platform.
func RunInit() {
	fmt.Fprintf(os.Stderr, "jail init: %v\n", terrors.ErrUnsupportedPlatform)
	os.Exit(proc.ExitCannotRun)
}
