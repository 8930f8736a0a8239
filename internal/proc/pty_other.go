//go:build !linux
// +build !linux

package proc

import (
	"os/exec"

	terrors "trimorph/pkg/errors"
)

func runWithPTY(cmd *exec.Cmd, started func(int)) (int, error) {
	return ExitCannotRun, terrors.ErrUnsupportedPlatform
}
