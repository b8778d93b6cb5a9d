// Package tui is the terminal layout editor.
//
// The model holds no layout state of its own: every key press is applied to
// the session and every frame is rendered from the session view, so edits made
// elsewhere show up on the next refresh.
package tui

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/sheetsmith/sheetsmith/pkg/session"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// RefreshMsg asks the editor to redraw after an external change.
type RefreshMsg struct {
	Reason string
}

// row is one cursor stop: a section or one of its subsections.
type row struct {
	section string
	key     string
}

// Model is the bubbletea model of the editor.
type Model struct {
	sess   *session.Session
	keys   KeyMap
	help   help.Model
	styles Styles

	cursor  int
	grabbed string
	status  string
	err     error

	quitting bool
}

// New creates an editor over sess.
func New(sess *session.Session) Model {
	return Model{
		sess:   sess,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		styles: DefaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) rows() []row {
	v := m.sess.View()
	rows := make([]row, 0, v.Total+len(v.Sections))
	for _, sec := range v.Sections {
		rows = append(rows, row{section: sec.Key, key: sec.Key})
		for _, child := range sec.Children {
			rows = append(rows, row{section: sec.Key, key: child.Key})
		}
	}
	return rows
}

// current returns the row under the cursor.
func (m Model) current() (row, bool) {
	rows := m.rows()
	if m.cursor < 0 || m.cursor >= len(rows) {
		return row{}, false
	}
	return rows[m.cursor], true
}

// follow puts the cursor back on key after a reorder.
func (m *Model) follow(key string) {
	for i, r := range m.rows() {
		if r.key == key {
			m.cursor = i
			return
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case RefreshMsg:
		if n := len(m.rows()); m.cursor >= n {
			m.cursor = n - 1
		}
		if msg.Reason != "" {
			m.status = msg.Reason
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.err = nil
	m.status = ""

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.rows())-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Toggle):
		if r, ok := m.current(); ok {
			m.err = m.sess.Toggle(r.key)
		}

	case key.Matches(msg, m.keys.All):
		m.sess.SetAll(true)

	case key.Matches(msg, m.keys.None):
		m.sess.SetAll(false)

	case key.Matches(msg, m.keys.MoveUp), key.Matches(msg, m.keys.MoveDown):
		r, ok := m.current()
		if !ok {
			break
		}
		delta := 1
		if key.Matches(msg, m.keys.MoveUp) {
			delta = -1
		}
		if m.err = m.sess.MoveRelative(r.section, delta); m.err == nil {
			m.follow(r.key)
		}

	case key.Matches(msg, m.keys.Grab):
		if r, ok := m.current(); ok {
			m.grabbed = r.section
			m.status = "moving " + m.sess.Schema().Label(r.section) + ": pick a section and press enter"
		}

	case key.Matches(msg, m.keys.Drop):
		if m.grabbed == "" {
			break
		}
		if r, ok := m.current(); ok {
			m.sess.MoveTo(m.grabbed, r.section)
			m.follow(m.grabbed)
		}
		m.grabbed = ""

	case key.Matches(msg, m.keys.Cancel):
		m.grabbed = ""
	}

	return m, nil
}

// Run starts the editor and blocks until it quits or ctx is done. Config
// reloads published on tel redraw the screen.
func Run(ctx context.Context, sess *session.Session, tel *telemetry.Telemetry) error {
	p := tea.NewProgram(New(sess), tea.WithAltScreen(), tea.WithContext(ctx))

	if tel != nil {
		unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
			// Send blocks until the program reads it, so hand it off.
			go p.Send(RefreshMsg{Reason: e.Message})
		}, telemetry.FilterByType(telemetry.EventTypeConfigReloaded))
		defer unsubscribe()
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
