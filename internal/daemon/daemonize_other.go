//go:build !linux
// +build !linux

package daemon

import (
	"os"

	"trimorph/pkg/envutil"
	terrors "trimorph/pkg/errors"
)

func IsChild() bool { return os.Getenv(envutil.DaemonChildEnvVar) == "1" }

func Daemonize(args []string) (int, error) { return 0, terrors.ErrUnsupportedPlatform }

func EnterChild() {}
