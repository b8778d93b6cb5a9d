package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sheetsmith/sheetsmith/pkg/layout"
)

// Styles used by the editor.
type Styles struct {
	Title    lipgloss.Style
	Section  lipgloss.Style
	Sub      lipgloss.Style
	Muted    lipgloss.Style
	Cursor   lipgloss.Style
	Grabbed  lipgloss.Style
	Status   lipgloss.Style
	Error    lipgloss.Style
	HelpView lipgloss.Style
}

// DefaultStyles returns the editor styles.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		Section:  lipgloss.NewStyle().Bold(true),
		Sub:      lipgloss.NewStyle().PaddingLeft(4),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Cursor:   lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
		Grabbed:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		Status:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		HelpView: lipgloss.NewStyle().MarginTop(1),
	}
}

func checkbox(st layout.State) string {
	switch st {
	case layout.Selected:
		return "[x]"
	case layout.Partial:
		return "[-]"
	default:
		return "[ ]"
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	v := m.sess.View()
	var b strings.Builder

	doc := v.Document
	if doc == "" {
		doc = "no document"
	}
	b.WriteString(m.styles.Title.Render("sheetsmith"))
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %s  %d/%d selected", doc, v.Selected, v.Total)))
	b.WriteString("\n\n")

	i := 0
	for _, sec := range v.Sections {
		line := fmt.Sprintf("%s %s", checkbox(sec.State), sec.Label)
		style := m.styles.Section
		if sec.Key == m.grabbed {
			line += "  (moving)"
			style = m.styles.Grabbed
		}
		b.WriteString(m.cursorMark(i))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
		i++

		for _, child := range sec.Children {
			st := layout.Unselected
			if child.Included {
				st = layout.Selected
			}
			b.WriteString(m.cursorMark(i))
			b.WriteString(m.styles.Sub.Render(fmt.Sprintf("%s %s", checkbox(st), child.Label)))
			b.WriteString("\n")
			i++
		}
	}

	switch {
	case m.err != nil:
		b.WriteString("\n" + m.styles.Error.Render(m.err.Error()) + "\n")
	case m.status != "":
		b.WriteString("\n" + m.styles.Status.Render(m.status) + "\n")
	}

	b.WriteString(m.styles.HelpView.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) cursorMark(i int) string {
	if i == m.cursor {
		return m.styles.Cursor.Render("> ")
	}
	return "  "
}
