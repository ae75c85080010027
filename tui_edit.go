package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lessonvoice/log"
	"lessonvoice/player"
	"lessonvoice/timeline"
)

// Edit screen messages.
type ProgressMsg struct{ Progress timeline.Progress }
type ReconcileDoneMsg struct{ Err error }
type PlaybackMsg struct {
	Index int
	State player.State
}

type playbackControls interface {
	Toggle(index int, url string)
	State(index int) player.State
}

type editModel struct {
	lessonID string
	tl       *timeline.Timeline
	player   playbackControls
	copyText func(string) error

	slots         []timeline.Slot
	cursor        int
	editing       bool
	input         textinput.Model
	progress      timeline.Progress
	done          bool
	doneErr       error
	status        string
	width, height int
}

func newEditModel(lessonID string, tl *timeline.Timeline, p playbackControls, copyText func(string) error) editModel {
	in := textinput.New()
	in.Prompt = "✎ "
	in.CharLimit = 2000
	return editModel{
		lessonID: lessonID,
		tl:       tl,
		player:   p,
		copyText: copyText,
		slots:    tl.Slots(),
		input:    in,
		progress: timeline.Progress{Converged: tl.Converged(), Expected: tl.Expected()},
	}
}

func (m editModel) Init() tea.Cmd {
	return nil
}

func (m editModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-12, 10)

	case tea.KeyMsg:
		if m.editing {
			return m.handleEditKey(msg)
		}
		return m.handleKey(msg)

	case ProgressMsg:
		m.progress = msg.Progress
		m.slots = m.tl.Slots()

	case ReconcileDoneMsg:
		m.done = true
		m.doneErr = msg.Err
		m.slots = m.tl.Slots()

	case PlaybackMsg:
		// State is read from the manager at render time.
	}
	return m, nil
}

func (m editModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.slots)-1 {
			m.cursor++
		}

	case "enter":
		if len(m.slots) == 0 {
			return m, nil
		}
		m.editing = true
		m.status = ""
		m.input.SetValue(m.slots[m.cursor].Text)
		m.input.CursorEnd()
		cmd := m.input.Focus()
		return m, cmd

	case "c":
		if len(m.slots) == 0 || m.slots[m.cursor].Text == "" {
			return m, nil
		}
		m.status = m.copy(m.slots[m.cursor].Text, fmt.Sprintf("slot %d copied", m.cursor+1))

	case "C":
		m.status = m.copy(transcriptText(m.slots), "transcript copied")

	case "p", "P":
		if len(m.slots) == 0 {
			return m, nil
		}
		s := m.slots[m.cursor]
		if s.VoiceURL == "" {
			m.status = "no audio for this slot yet"
			return m, nil
		}
		m.status = ""
		// The manager reports state changes through tuiSend, which must not
		// run on the update goroutine.
		toggle := m.player.Toggle
		return m, func() tea.Msg {
			toggle(s.Index, s.VoiceURL)
			return nil
		}
	}
	return m, nil
}

func (m editModel) copy(text, done string) string {
	if m.copyText == nil {
		return "clipboard unavailable"
	}
	if err := m.copyText(text); err != nil {
		return "copy failed: " + err.Error()
	}
	return done
}

// transcriptText joins the non-empty slot texts in timeline order.
func transcriptText(slots []timeline.Slot) string {
	var lines []string
	for _, s := range slots {
		if s.Text != "" {
			lines = append(lines, s.Text)
		}
	}
	return strings.Join(lines, "\n")
}

func (m editModel) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if err := m.tl.EditText(m.cursor, text); err != nil {
			m.status = err.Error()
		} else {
			log.Infof("slot_edited: %d", m.cursor)
			m.status = fmt.Sprintf("slot %d saved", m.cursor+1)
		}
		m.editing = false
		m.input.Blur()
		m.slots = m.tl.Slots()
		return m, nil

	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil

	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

var (
	cursorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	convergedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	editedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
)

func (m editModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Lesson "+m.lessonID) + "  " + m.progressText() + "\n\n")

	// Header, status and footer take five lines.
	visible := max(m.height-5, 1)
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := min(start+visible, len(m.slots))
	textWidth := max(m.width-16, 10)

	if len(m.slots) == 0 {
		b.WriteString(dimStyle.Render("This lesson has no timeline entries.") + "\n")
	}
	for _, s := range m.slots[start:end] {
		marker := "  "
		if s.Index == m.cursor {
			marker = cursorStyle.Render("▶ ")
		}
		line := marker + dimStyle.Render(clockText(s.TimeSec)) + " " + slotIcon(s) + playIcon(m.player.State(s.Index)) + " "
		if m.editing && s.Index == m.cursor {
			line += m.input.View()
		} else {
			line += slotText(s, textWidth)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(warnStyle.Render(m.status))
	}
	b.WriteString("\n")
	if m.editing {
		b.WriteString(helpKeyStyle.Render("enter") + helpStyle.Render(" save  ") +
			helpKeyStyle.Render("esc") + helpStyle.Render(" cancel"))
	} else {
		b.WriteString(helpKeyStyle.Render("↑/↓") + helpStyle.Render(" select  ") +
			helpKeyStyle.Render("enter") + helpStyle.Render(" edit  ") +
			helpKeyStyle.Render("p") + helpStyle.Render(" play  ") +
			helpKeyStyle.Render("c/C") + helpStyle.Render(" copy  ") +
			helpKeyStyle.Render("q") + helpStyle.Render(" quit"))
	}
	return b.String()
}

func (m editModel) progressText() string {
	p := m.progress
	count := fmt.Sprintf("%d/%d transcribed", p.Converged, p.Expected)
	switch {
	case m.done && m.doneErr == nil:
		return convergedStyle.Render(count)
	case m.done && errors.Is(m.doneErr, timeline.ErrNotConverged):
		return warnStyle.Render(count + ", gave up waiting")
	case m.done:
		return warnStyle.Render(count + ", stopped: " + m.doneErr.Error())
	case p.Err != nil:
		return pendingStyle.Render(fmt.Sprintf("%s, retrying in %s (%v)", count, p.Next.Round(100*time.Millisecond), p.Err))
	case p.Next > 0:
		return pendingStyle.Render(fmt.Sprintf("%s, next check in %s", count, p.Next.Round(100*time.Millisecond)))
	}
	return pendingStyle.Render(count)
}

func slotIcon(s timeline.Slot) string {
	switch {
	case !s.Voiced():
		return dimStyle.Render("·")
	case s.Converged():
		return convergedStyle.Render("✓")
	case s.IsConverted:
		return pendingStyle.Render("…")
	}
	return pendingStyle.Render("○")
}

func playIcon(st player.State) string {
	switch st {
	case player.Loading:
		return pendingStyle.Render("⟳")
	case player.Playing:
		return convergedStyle.Render("♪")
	}
	return " "
}

func slotText(s timeline.Slot, width int) string {
	switch {
	case s.Text != "" && s.Edited:
		return editedStyle.Render(truncate(s.Text, width))
	case s.Text != "":
		return textStyle.Render(truncate(s.Text, width))
	case s.Voiced() && !s.Converged():
		return dimStyle.Render("waiting for transcription")
	}
	return dimStyle.Render("(empty)")
}
