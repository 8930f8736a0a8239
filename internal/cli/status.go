package cli

import (
	"fmt"
	"io"
	"strconv"

	terrors "trimorph/pkg/errors"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [JAIL]",
	Short: "Show jail states as seen by the daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	c := e.daemon()
	if c == nil {
		return fmt.Errorf("%w: start it with 'trimorph daemon'", terrors.ErrDaemonNotRunning)
	}

	var name string
	if len(args) == 1 {
		name = args[0]
	}
	lines, err := c.Status(name)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(lines))
	for _, l := range lines {
		pid := "-"
		if l.Pid > 0 {
			pid = strconv.Itoa(l.Pid)
		}
		stale := ""
		if l.Stale {
			stale = "yes"
		}
		rows = append(rows, []string{l.Name, string(l.Status), pid, stale})
	}
	showTable(e.stdout, []string{"Jail", "State", "Pid", "Stale"}, rows)
	return nil
}

// showTable renders rows the same way for every tabular command.
func showTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	for _, r := range rows {
		table.Append(r)
	}
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.Render()
}
