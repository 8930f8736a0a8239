package main

import (
	"os"

	"trimorph/internal/cli"
	"trimorph/internal/jail"
	"trimorph/pkg/envutil"
)

func main() {
	// The chroot backend re-executes this binary to enter the jail. The
	// mode is selected by environment variable rather than a subcommand so
	// the CLI namespace stays clean.
	if os.Getenv(envutil.JailInitEnvVar) == "1" {
		jail.RunInit()
		return
	}

	cli.Execute()
}
