package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type styleSet struct {
	Header lipgloss.Style
	Spoken lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
	OK     lipgloss.Style
}

var styles = styleSet{
	Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
	Spoken: lipgloss.NewStyle().Bold(true).Underline(true),
	Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
	Error:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f87")),
	OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f")),
}

// printTable writes rows under a bold header, aligned in columns. Widths
// are measured with lipgloss so styled cells line up too.
func printTable(w io.Writer, header []string, rows [][]string) error {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	line := func(cells []string, style func(string) string) string {
		var b strings.Builder
		for i, cell := range cells {
			b.WriteString(style(cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		return b.String()
	}
	if _, err := fmt.Fprintln(w, line(header, func(s string) string { return styles.Header.Render(s) })); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, line(row, func(s string) string { return s })); err != nil {
			return err
		}
	}
	return nil
}

// highlight renders text with the characters [start, end) emphasized. Out
// of range offsets leave text as is.
func highlight(text string, start, end uint32) string {
	runes := []rune(text)
	if start > end || int(end) > len(runes) {
		return text
	}
	return string(runes[:start]) + styles.Spoken.Render(string(runes[start:end])) + string(runes[end:])
}
