package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/history"
)

// Controller is the part of *scribe.Scribe the UI drives. Its methods are
// only called from commands, never from Update, because they call back into
// the Presenter and that would block the event loop.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (audio.Artifact, error)
	ToggleRecording(ctx context.Context) error
	SelectFile(path string) error
	CurrentFile() string
	Transcribe(ctx context.Context, path string) (string, error)
	Select(index int) (history.Entry, error)
	SaveTranscript(path string) (string, error)
	ClearTranscript()
	Recording() bool
}

const (
	previewRunes   = 60
	defaultWidth   = 80
	defaultHeight  = 24
	errorLifetime  = 5 * time.Second
	blinkInterval  = 500 * time.Millisecond
	transcriptRows = 8
)

// Model is the root bubbletea model.
type Model struct {
	ctx  context.Context
	ctrl Controller

	// Recording state
	recording bool
	elapsed   string
	blink     bool

	current string

	// History
	entries  []history.Entry
	selected int

	transcript string

	// Prompt
	prompting bool
	input     []rune

	// Errors
	errorMessage   string
	errorTransient bool
	errorSeq       int

	info string

	width  int
	height int
}

func NewModel(ctx context.Context, ctrl Controller) Model {
	return Model{
		ctx:     ctx,
		ctrl:    ctrl,
		elapsed: "00:00",
	}
}

// Init has nothing to fetch; history arrives through the Presenter.
func (m Model) Init() tea.Cmd {
	return nil
}

func startCmd(ctx context.Context, ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: ctrl.StartRecording(ctx)}
	}
}

func stopCmd(ctx context.Context, ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		_, err := ctrl.StopRecording(ctx)
		return actionDoneMsg{err: err}
	}
}

func toggleCmd(ctx context.Context, ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: ctrl.ToggleRecording(ctx)}
	}
}

func selectFileCmd(ctrl Controller, path string) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: ctrl.SelectFile(path)}
	}
}

func transcribeCmd(ctx context.Context, ctrl Controller, path string) tea.Cmd {
	return func() tea.Msg {
		target := path
		if target == "" {
			target = ctrl.CurrentFile()
		}
		if _, err := ctrl.Transcribe(ctx, path); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{info: fmt.Sprintf("Transcribing %s...", filepath.Base(target))}
	}
}

func selectCmd(ctrl Controller, index int) tea.Cmd {
	return func() tea.Msg {
		_, err := ctrl.Select(index)
		return actionDoneMsg{err: err}
	}
}

func saveCmd(ctrl Controller, path string) tea.Cmd {
	return func() tea.Msg {
		saved, err := ctrl.SaveTranscript(path)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{info: "Transcript saved to " + saved}
	}
}

func clearCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctrl.ClearTranscript()
		return actionDoneMsg{}
	}
}

// quitCmd stops an active recording so its artifact is written, then quits.
func quitCmd(ctx context.Context, ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		if ctrl.Recording() {
			_, _ = ctrl.StopRecording(ctx)
		}
		return tea.Quit()
	}
}

func clearTransientErrorCmd(seq int) tea.Cmd {
	return tea.Tick(errorLifetime, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{seq: seq}
	})
}

func blinkCmd() tea.Cmd {
	return tea.Tick(blinkInterval, func(time.Time) tea.Msg {
		return blinkMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatusMsg:
		wasRecording := m.recording
		m.recording = msg.Recording
		if m.recording {
			m.elapsed = "00:00"
			m.info = ""
			if !wasRecording {
				m.blink = true
				return m, blinkCmd()
			}
			return m, nil
		}
		if wasRecording {
			m.info = "Recording stopped (" + m.elapsed + ")"
		}
		return m, nil

	case ElapsedMsg:
		if m.recording {
			m.elapsed = msg.MMSS
		}
		return m, nil

	case blinkMsg:
		if !m.recording {
			m.blink = false
			return m, nil
		}
		m.blink = !m.blink
		return m, blinkCmd()

	case ArtifactMsg:
		m.current = msg.Path
		return m, nil

	case TranscriptMsg:
		m.transcript = msg.Text
		return m, nil

	case HistoryMsg:
		m.entries = msg.Entries
		if m.selected >= len(m.entries) {
			m.selected = max(0, len(m.entries)-1)
		}
		return m, nil

	case ErrorMsg:
		m.errorMessage = msg.Kind + ": " + msg.Message
		m.errorTransient = true
		m.errorSeq++
		return m, clearTransientErrorCmd(m.errorSeq)

	case ClearTransientErrorMsg:
		if m.errorTransient && msg.seq == m.errorSeq {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil

	case actionDoneMsg:
		if msg.err == nil && msg.info != "" {
			m.info = msg.info
		}
		return m, nil
	}

	return m, nil
}

// handleKey processes key presses. Hotkeys typed in one burst arrive as a
// single multi-rune key and are replayed one by one.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyRunes && len(msg.Runes) > 1 && !m.prompting {
		var cmds []tea.Cmd
		var model tea.Model = m
		for i, r := range msg.Runes {
			cur := model.(Model)
			if cur.prompting {
				cur.input = append(cur.input, msg.Runes[i:]...)
				return cur, tea.Batch(cmds...)
			}
			var cmd tea.Cmd
			model, cmd = cur.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
			cmds = append(cmds, cmd)
		}
		return model, tea.Batch(cmds...)
	}
	if m.prompting {
		return m.handlePromptKey(msg)
	}

	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		return m, quitCmd(m.ctx, m.ctrl)

	case KeyRecord, KeySpace:
		return m, toggleCmd(m.ctx, m.ctrl)

	case KeyTranscribe:
		return m, transcribeCmd(m.ctx, m.ctrl, "")

	case KeyUp, KeyK:
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case KeyDown, KeyJ:
		if m.selected < len(m.entries)-1 {
			m.selected++
		}
		return m, nil

	case KeyEnter, KeyNewline:
		if len(m.entries) == 0 {
			return m, nil
		}
		return m, selectCmd(m.ctrl, m.selected)

	case KeyClear:
		m.info = ""
		return m, clearCmd(m.ctrl)

	case KeySave:
		return m.openPrompt("save "), nil

	case KeyOpen:
		return m.openPrompt("file "), nil

	case KeyCommand:
		return m.openPrompt(""), nil

	case KeyHelp:
		m.info = helpLine
		return m, nil
	}

	return m, nil
}

func (m Model) openPrompt(prefill string) Model {
	m.prompting = true
	m.input = []rune(prefill)
	return m
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, quitCmd(m.ctx, m.ctrl)
	case tea.KeyEsc:
		m.prompting = false
		m.input = nil
		return m, nil
	case tea.KeyEnter, tea.KeyCtrlJ:
		line := string(m.input)
		m.prompting = false
		m.input = nil
		return m.runCommand(line)
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil
	case tea.KeySpace:
		m.input = append(m.input, ' ')
		return m, nil
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
		return m, nil
	}
	return m, nil
}

const helpLine = "commands: start stop toggle file <path> transcribe [path] show <n> save <path> clear quit"

// runCommand executes one prompt line.
func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return m, nil
	}
	cmd := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	switch cmd {
	case "start":
		return m, startCmd(m.ctx, m.ctrl)
	case "stop":
		return m, stopCmd(m.ctx, m.ctrl)
	case "toggle", "r":
		return m, toggleCmd(m.ctx, m.ctrl)
	case "file", "o":
		if arg == "" {
			m.info = currentLine(m.current)
			return m, nil
		}
		return m, selectFileCmd(m.ctrl, arg)
	case "transcribe", "t":
		return m, transcribeCmd(m.ctx, m.ctrl, arg)
	case "show":
		n, err := strconv.Atoi(arg)
		if err != nil {
			m.info = "usage: show <n>"
			return m, nil
		}
		// The list is numbered from 1.
		if n >= 1 && n <= len(m.entries) {
			m.selected = n - 1
		}
		return m, selectCmd(m.ctrl, n-1)
	case "save", "s":
		return m, saveCmd(m.ctrl, arg)
	case "clear", "c":
		m.info = ""
		return m, clearCmd(m.ctrl)
	case "help", "?":
		m.info = helpLine
		return m, nil
	case "quit", "exit", "q":
		return m, quitCmd(m.ctx, m.ctrl)
	}
	m.info = fmt.Sprintf("unknown command %q", cmd)
	return m, nil
}

func currentLine(path string) string {
	if path == "" {
		return "No file selected"
	}
	return "Current file: " + path
}

func (m Model) viewWidth() int {
	if m.width == 0 {
		return defaultWidth
	}
	return m.width
}

func (m Model) historyRows() int {
	height := m.height
	if height == 0 {
		height = defaultHeight
	}
	// header(2) + dividers(3) + panel titles(2) + transcript + error/info(2) + footer(1)
	return max(3, height-10-transcriptRows)
}

// View renders the full TUI.
func (m Model) View() string {
	width := m.viewWidth()
	divider := dividerStyle.Render(strings.Repeat("─", width))

	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		divider,
		m.renderHistory(width),
		divider,
		m.renderTranscript(width),
		divider,
	}
	if m.errorMessage != "" {
		sections = append(sections, errorStyle.Render("✖ "+m.errorMessage))
	}
	if m.info != "" {
		sections = append(sections, infoStyle.Render(m.info))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("LOQA SCRIBE")
	if m.current == "" {
		return title
	}
	return title + dimStyle.Render("  "+filepath.Base(m.current))
}

func (m Model) renderStatusBar() string {
	if !m.recording {
		return idleDotStyle.Render("○ IDLE")
	}
	dot := "●"
	if !m.blink {
		dot = " "
	}
	return recordingDotStyle.Render(dot + " REC " + m.elapsed)
}

func (m Model) renderHistory(width int) string {
	lines := []string{panelTitleStyle.Render(fmt.Sprintf("HISTORY (%d)", len(m.entries)))}
	if len(m.entries) == 0 {
		lines = append(lines, dimStyle.Render("  No transcriptions yet"))
		return strings.Join(lines, "\n")
	}

	rows := m.historyRows()
	first := 0
	if m.selected >= rows {
		first = m.selected - rows + 1
	}
	for i := first; i < len(m.entries) && i < first+rows; i++ {
		row := truncateToWidth(historyRow(i, m.entries[i]), width-2)
		if i == m.selected {
			lines = append(lines, selectedStyle.Render("> "+row))
		} else {
			lines = append(lines, "  "+row)
		}
	}
	return strings.Join(lines, "\n")
}

func historyRow(i int, e history.Entry) string {
	return fmt.Sprintf("[%d] %s  %s  %s",
		i+1,
		e.Timestamp.Local().Format("2006-01-02 15:04"),
		filepath.Base(e.SourcePath),
		preview(e.Text))
}

func (m Model) renderTranscript(width int) string {
	title := panelTitleStyle.Render("TRANSCRIPT")
	if strings.TrimSpace(m.transcript) == "" {
		return title + "\n" + dimStyle.Render("  Nothing to show")
	}
	body := lipgloss.NewStyle().Width(width).Render(m.transcript)
	lines := strings.Split(body, "\n")
	if len(lines) > transcriptRows {
		lines = append(lines[:transcriptRows-1], dimStyle.Render("… (save to read the rest)"))
	}
	return title + "\n" + strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	if m.prompting {
		return promptStyle.Render(": ") + string(m.input) + "█"
	}
	keys := []struct{ key, desc string }{
		{"r", "record"},
		{"t", "transcribe"},
		{"↑↓", "select"},
		{"enter", "show"},
		{"o", "open"},
		{"s", "save"},
		{"c", "clear"},
		{":", "command"},
		{"q", "quit"},
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = footerKeyStyle.Render(k.key) + " " + footerDescStyle.Render(k.desc)
	}
	return strings.Join(parts, "  ")
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}

func truncateToWidth(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) > width-1 && width > 1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}
