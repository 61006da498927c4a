package main

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
)

const columnGap = 2

var (
	headerColor  = color.New(color.Bold, color.FgGreen).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
	failColor    = color.New(color.FgRed).SprintFunc()
)

// table lays out plain cell text first and colours it afterwards, so escape
// codes never count towards column widths.
type table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	styles  map[int]func(string) string
}

func newTable(w io.Writer, headers ...string) *table {
	return &table{out: w, headers: headers, styles: make(map[int]func(string) string)}
}

// style paints every data cell of column col.
func (t *table) style(col int, paint func(string) string) *table {
	t.styles[col] = paint
	return t
}

func (t *table) row(cells ...any) {
	r := make([]string, len(cells))
	for i, c := range cells {
		r[i] = fmt.Sprint(c)
	}
	t.rows = append(t.rows, r)
}

func (t *table) flush() error {
	widths := make([]int, len(t.headers))
	for _, r := range append([][]string{t.headers}, t.rows...) {
		for i, cell := range r {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	paintHeader := func(s string) string { return headerColor(s) }
	if err := t.writeLine(t.headers, widths, func(int) func(string) string { return paintHeader }); err != nil {
		return err
	}
	for _, r := range t.rows {
		if err := t.writeLine(r, widths, func(col int) func(string) string { return t.styles[col] }); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) writeLine(cells []string, widths []int, paintFor func(col int) func(string) string) error {
	var b strings.Builder
	for i, cell := range cells {
		text := cell
		if paint := paintFor(i); paint != nil {
			text = paint(cell)
		}
		b.WriteString(text)
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)+columnGap))
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(t.out, b.String())
	return err
}

// statusColor highlights agent and job states by how healthy they are.
func statusColor(status string) string {
	switch status {
	case "Enabled", "Idle", "Passed", "Building", "Completed":
		return successColor(status)
	case "Pending", "Scheduled", "Assigned", "Preparing", "Completing", "Cancelled", "Rescheduled":
		return warnColor(status)
	case "Disabled", "LostContact", "Missing", "Failed":
		return failColor(status)
	default:
		return status
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
