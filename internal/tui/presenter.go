package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loqalabs/loqa-scribe/internal/history"
)

// Presenter turns scribe callbacks into program messages. Calls made before
// the program runs are queued and delivered first, in order. Calls made after
// it exits are dropped.
type Presenter struct {
	mu      sync.Mutex
	program *tea.Program
	backlog []tea.Msg
	closed  bool
}

func (p *Presenter) send(msg tea.Msg) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.program == nil {
		p.backlog = append(p.backlog, msg)
		p.mu.Unlock()
		return
	}
	prog := p.program
	p.mu.Unlock()
	prog.Send(msg)
}

// attach flushes the backlog into prog and routes later calls to it. Send
// blocks until the event loop runs, so this must not be called from it.
func (p *Presenter) attach(prog *tea.Program) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.backlog {
		prog.Send(msg)
	}
	p.backlog = nil
	if !p.closed {
		p.program = prog
	}
}

func (p *Presenter) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.program = nil
	p.backlog = nil
}

func (p *Presenter) DisplayTranscript(text string) { p.send(TranscriptMsg{Text: text}) }

func (p *Presenter) DisplayError(kind, message string) {
	p.send(ErrorMsg{Kind: kind, Message: message})
}

func (p *Presenter) DisplayElapsed(mmss string) { p.send(ElapsedMsg{MMSS: mmss}) }

func (p *Presenter) DisplayHistory(entries []history.Entry) {
	p.send(HistoryMsg{Entries: entries})
}

func (p *Presenter) DisplayArtifact(path string) { p.send(ArtifactMsg{Path: path}) }

func (p *Presenter) DisplayStatus(recording bool) { p.send(StatusMsg{Recording: recording}) }
