package console

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Row is one issue in the end-of-run summary.
type Row struct {
	Issue  string `json:"issue"`
	Status string `json:"status"`
	Rounds int    `json:"rounds"`
	PR     string `json:"pr,omitempty"`
	Error  string `json:"error,omitempty"`
}

const maxSummaryError = 60

// Summary prints the results table.
func (o *Output) Summary(rows []Row) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.jsonl {
		o.writeJSON(map[string]any{"type": "summary", "issues": rows})
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(o.r.NewStyle().Foreground(mutedColor)).
		Headers("Issue", "Status", "Rounds", "PR", "Error").
		StyleFunc(func(row, col int) lipgloss.Style {
			s := o.r.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true).Foreground(primaryColor)
			}
			return s
		})
	for _, r := range rows {
		t.Row(r.Issue, r.Status, fmt.Sprint(r.Rounds), r.PR, truncate(r.Error, maxSummaryError))
	}
	fmt.Fprintln(o.w, t.Render())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
