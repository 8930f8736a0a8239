package cli

import (
	"fmt"
	"strings"

	"trimorph/internal/format"
	"trimorph/internal/installer"
	"trimorph/internal/jail"
	"trimorph/internal/probe"
	"trimorph/internal/proc"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check PKGMGR",
	Short: "Check whether a package manager is available",
	Args:  cobra.ExactArgs(1),
	RunE:  checkTool,
}

var supportedFormatsCmd = &cobra.Command{
	Use:   "supported-formats",
	Short: "List the package formats install-local understands",
	Args:  cobra.NoArgs,
	RunE:  listFormats,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show host init system, jail backend and tool inventory",
	Args:  cobra.NoArgs,
	RunE:  showInfo,
}

func checkTool(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	path, ok := probe.Resolve(name)
	if !ok {
		fmt.Fprintf(e.stdout, "%s: not available\n", name)
		return &installer.ToolMissingError{Tools: []string{name}}
	}
	fmt.Fprintf(e.stdout, "%s: available at %s\n", name, path)

	code, err := proc.ExecRunner{}.Run(cmd.Context(), proc.Command{
		Argv:   []string{path, "--version"},
		Stdout: e.stdout,
		Stderr: e.stderr,
	})
	if err != nil {
		return err
	}
	return exitWith(code)
}

func listFormats(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	showTable(e.stdout, []string{"Extension", "Install", "Verify", "Update", "Check"}, formatRows(format.Default))
	return nil
}

func formatRows(r *format.Registry) [][]string {
	var rows [][]string
	for _, f := range r.Formats() {
		var install, update []string
		for _, t := range f.Tools {
			install = append(install, strings.Join(t.Install, " "))
			if len(t.Update) > 0 {
				update = append(update, strings.Join(t.Update, " "))
			}
		}
		rows = append(rows, []string{
			f.Ext,
			strings.Join(install, " | "),
			strings.Join(f.Verify, " "),
			strings.Join(update, " | "),
			strings.Join(f.Check, " "),
		})
	}
	return rows
}

func showInfo(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	host := probe.NewHost()

	fmt.Fprintf(e.stdout, "Init system: %s\n", probe.DetectInitSystem())
	if b, err := jail.SelectBackend(e.settings.Backend, host); err != nil {
		fmt.Fprintf(e.stdout, "Jail backend: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(e.stdout, "Jail backend: %s\n", b.Name())
	}
	if running := host.RunningNativePMs(); len(running) > 0 {
		fmt.Fprintf(e.stdout, "Native package managers running: %s\n", strings.Join(running, ", "))
	}

	var rows [][]string
	for _, name := range inventory(format.Default) {
		path, ok := probe.Resolve(name)
		if !ok {
			rows = append(rows, []string{name, "no", ""})
			continue
		}
		rows = append(rows, []string{name, "yes", path})
	}
	showTable(e.stdout, []string{"Tool", "Available", "Path"}, rows)
	return nil
}

// inventory lists every tool trimorph may invoke, without duplicates.
func inventory(r *format.Registry) []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, f := range r.Formats() {
		for _, t := range f.Tools {
			add(t.Name)
		}
	}
	add(probe.Nspawn)
	return names
}
