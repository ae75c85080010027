package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"lessonvoice/config"
	"lessonvoice/ledger"
)

const historyLimit = 200

func runHistory(cfg config.Config, opts options) {
	led, err := ledger.Open(cfg.Upload.Ledger)
	if err != nil {
		fatalf("opening ledger: %v", err)
	}
	defer led.Close()

	ctx := context.Background()
	entries, err := led.List(ctx, opts.lessonID, historyLimit)
	if err != nil {
		fatalf("reading ledger: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No uploads recorded.")
		return
	}
	fmt.Println(renderHistory(entries))

	if opts.lessonID != "" {
		uploaded, failed, err := led.Summary(ctx, opts.lessonID)
		if err == nil {
			fmt.Printf("\n%s: %d uploaded, %d failed\n", opts.lessonID, uploaded, failed)
		}
	}
}

func renderHistory(entries []ledger.Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		detail := e.URL
		if e.Status != ledger.StatusUploaded {
			detail = e.Error
		}
		rows[i] = []string{
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.LessonID,
			fmt.Sprintf("%d", e.Ordinal),
			clockText(e.StartTimeSec),
			fmt.Sprintf("%.1fs", e.DurationSec),
			e.Status,
			fmt.Sprintf("%d", e.Attempts),
			truncate(detail, 48),
		}
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	failed := cell.Foreground(lipgloss.Color("208"))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("WHEN", "LESSON", "#", "START", "LENGTH", "STATUS", "TRIES", "URL / ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case row >= 0 && row < len(rows) && rows[row][5] != ledger.StatusUploaded:
				return failed
			}
			return cell
		})
	return t.String()
}
