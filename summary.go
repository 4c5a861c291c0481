package conformance

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/conformance/staging"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// printStagingTable writes what the stager did for this run. Test results
// are reported by the harness itself.
func printStagingTable(w io.Writer, runID string, mode types.SelectionMode, report staging.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Staged test262 tree (%s)", formatDuration(report.Duration)))

	t.AppendHeader(table.Row{"Run", "Edition", "Selected", "Copied", "Skipped", "Failed"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Run", WidthMax: 36, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Selected", Align: text.AlignRight},
		{Name: "Copied", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
	})

	failed := fmt.Sprint(report.Failed)
	if report.Failed > 0 {
		failed = text.FgRed.Sprint(report.Failed)
	}
	t.AppendRow(table.Row{runID, mode, report.Selected, report.Copied, report.Skipped, failed})
	t.SetStyle(table.StyleLight)
	t.Render()
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
