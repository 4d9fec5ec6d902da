package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ui renders command output. Styles come from a renderer bound to the
// output writer so piped output stays free of escape codes.
type ui struct {
	out io.Writer

	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	subtle  lipgloss.Style
	header  lipgloss.Style
}

func newUI(out io.Writer) *ui {
	r := lipgloss.NewRenderer(out)
	return &ui{
		out:     out,
		success: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		subtle:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header:  r.NewStyle().Bold(true),
	}
}

func (u *ui) Println(msg string) { _, _ = fmt.Fprintln(u.out, msg) }

func (u *ui) Success(msg string) { u.Println(u.success.Render("✓ " + msg)) }

func (u *ui) Warning(msg string) { u.Println(u.warning.Render("⚠ " + msg)) }

func (u *ui) Failure(msg string) { u.Println(u.failure.Render("✗ " + msg)) }

func (u *ui) KeyValue(key, value string) {
	_, _ = fmt.Fprintf(u.out, "  %s %s\n", u.subtle.Render(padRight(key+":", 12)), value)
}

// Status colours a worker status.
func (u *ui) Status(s string) string {
	switch s {
	case "running":
		return u.success.Render(s)
	case "error":
		return u.failure.Render(s)
	case "starting", "stopping":
		return u.warning.Render(s)
	default:
		return u.subtle.Render(s)
	}
}

// Table prints rows aligned under headers. Cells may carry styling; widths
// are measured on the visible text.
func (u *ui) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}
	parts := make([]string, len(headers))
	for i, h := range headers {
		parts[i] = padRight(h, widths[i])
	}
	u.Println(u.header.Render(strings.TrimRight(strings.Join(parts, "  "), " ")))
	for _, row := range rows {
		parts = parts[:0]
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			parts = append(parts, padRight(cell, widths[i]))
		}
		u.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
