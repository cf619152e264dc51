package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cjeanneret/StitchGo/internal/logic/workflow"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// renderSummary formats the outcome of a CLI run.
func renderSummary(req workflow.Request, res *workflow.Result) string {
	b := res.Image.Bounds()
	path := res.Path
	if path == "" {
		path = dimStyle.Render("not saved")
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle
			}
			return cellStyle
		}).
		Rows(
			[]string{"Run", res.RunID},
			[]string{"Grid", fmt.Sprintf("%d x %d (%d tiles)", req.GridX, req.GridY, req.GridX*req.GridY)},
			[]string{"Magnitude", req.Magnitude},
			[]string{"Corner", string(req.Corner)},
			[]string{"Mode", string(res.Mode)},
			[]string{"Size", fmt.Sprintf("%d x %d px", b.Dx(), b.Dy())},
			[]string{"Duration", res.Duration.Round(1e6).String()},
			[]string{"Output", path},
		)
	return headerStyle.Render("Stitching complete") + "\n" + t.Render()
}

// renderPorts formats the serial ports found on the host.
func renderPorts(ports []string) string {
	if len(ports) == 0 {
		return dimStyle.Render("No serial ports found")
	}
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Serial ports"))
	for _, p := range ports {
		sb.WriteString("\n  " + cellStyle.Render(p))
	}
	return sb.String()
}
