package delta

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Snapshot summarizes a project's pending delta queue at a point in time.
type Snapshot struct {
	ProjectID      string
	PendingFiles   int
	CumulativeLines int
	OldestAge      time.Duration
	Entries        []*SummaryRow
}

// SummaryRow is one pending file's delta-queue state, shaped for rendering.
type SummaryRow struct {
	Path         string
	ChangeType   string
	LinesChanged int
	Age          time.Duration
}

// Render formats the snapshot as a table, in the shape the teacher's CLI
// uses for other `status`-style commands.
func (s *Snapshot) Render() string {
	if len(s.Entries) == 0 {
		return "no pending changes"
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	tbl.AppendHeader(table.Row{"Path", "Change", "Lines", "Age"})
	for _, e := range s.Entries {
		tbl.AppendRow(table.Row{e.Path, e.ChangeType, e.LinesChanged, e.Age.Round(time.Second)})
	}

	var b strings.Builder
	b.WriteString(tbl.Render())
	b.WriteString("\n")
	return b.String()
}
