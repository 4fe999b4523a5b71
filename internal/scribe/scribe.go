// Package scribe is the application context. It owns the recording session,
// the transcription history and the gateway, and drives a Presenter from a
// single foreground loop.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/gateway"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Presenter receives everything the user should see. Calls may come from
// any goroutine.
type Presenter interface {
	DisplayTranscript(text string)
	DisplayError(kind, message string)
	DisplayElapsed(mmss string)
	DisplayHistory(entries []history.Entry)
	DisplayArtifact(path string)
	DisplayStatus(recording bool)
}

// Journal records lifecycle events. *eventstore.Store satisfies it.
type Journal interface {
	AppendSession(ctx context.Context, sessionID, kind string) error
	AppendJSON(ctx context.Context, sessionID, eventType string, v any) error
}

// Publisher fans lifecycle events out. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type nopJournal struct{}

func (nopJournal) AppendSession(context.Context, string, string) error { return nil }
func (nopJournal) AppendJSON(context.Context, string, string, any) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, any) error { return nil }

// Options wires a Scribe. Session, History, Gateway and Presenter are required.
type Options struct {
	Session   *session.Session
	History   *history.Store
	Gateway   gateway.Gateway
	Presenter Presenter
	Journal   Journal
	Publisher Publisher
	// Window is how many recent entries are displayed.
	Window    int
	Logger    *slog.Logger
}

type transcription struct {
	jobID   string
	path    string
	text    string
	err     error
	elapsed time.Duration
	span    trace.Span
	ctx     context.Context
}

type Scribe struct {
	session   *session.Session
	history   *history.Store
	gateway   gateway.Gateway
	presenter Presenter
	journal   Journal
	publisher Publisher
	window    int
	log       *slog.Logger
	clock     func() time.Time
	tick      time.Duration
	inst      instruments

	results chan transcription
	wake    chan struct{}

	mu         sync.Mutex
	current    string
	transcript string
	closed     bool
	inflight sync.WaitGroup
}

func New(opts Options) (*Scribe, error) {
	if opts.Session == nil || opts.History == nil || opts.Gateway == nil || opts.Presenter == nil {
		return nil, errors.New("scribe: session, history, gateway and presenter are required")
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Window <= 0 {
		opts.Window = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With(slog.String("component", "scribe"))
	s := &Scribe{
		session:   opts.Session,
		history:   opts.History,
		gateway:   opts.Gateway,
		presenter: opts.Presenter,
		journal:   opts.Journal,
		publisher: opts.Publisher,
		window:    opts.Window,
		log:       log,
		clock:     time.Now,
		tick:      time.Second,
		results:   make(chan transcription, 8),
		wake:      make(chan struct{}, 1),
	}
	s.inst = newInstruments(s.history.Len, log)
	return s, nil
}

// Window is the number of history entries shown.
func (s *Scribe) Window() int { return s.window }

// Recording reports whether a capture is active.
func (s *Scribe) Recording() bool {
	return s.session.State() == session.Recording
}

// StartRecording opens the device and begins a new recording.
func (s *Scribe) StartRecording(ctx context.Context) error {
	if err := s.session.Start(ctx); err != nil {
		s.report(err)
		return err
	}
	id := s.session.ID()
	s.presenter.DisplayStatus(true)
	s.presenter.DisplayElapsed(session.FormatElapsed(0))

	if err := s.journal.AppendSession(ctx, id, eventstore.KindRecording); err != nil {
		s.log.Warn("journal session failed", slog.String("session_id", id), slogError(err))
	}
	evt := protocol.RecordingStarted{SessionID: id, StartedAt: s.clock()}
	s.record(ctx, id, eventstore.TypeRecordingStarted, evt)
	s.publish(protocol.SubjectRecordingStarted, evt)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// StopRecording ends the active recording. On success the artifact becomes
// the current file.
func (s *Scribe) StopRecording(ctx context.Context) (audio.Artifact, error) {
	return s.stopRecording(ctx, "")
}

func (s *Scribe) stopRecording(ctx context.Context, runID string) (audio.Artifact, error) {
	ctx, span := s.inst.tracer.Start(ctx, "scribe.recording.stop")
	defer span.End()

	var (
		res session.Result
		err error
	)
	if runID == "" {
		res, err = s.session.Stop(ctx)
	} else {
		res, err = s.session.StopRun(ctx, runID)
	}
	if errors.Is(err, session.ErrNotRecording) {
		if runID == "" {
			s.report(err)
		}
		return audio.Artifact{}, err
	}
	if err != nil && res.SessionID == "" {
		// Context expired while waiting; the recording is still active.
		span.RecordError(err)
		s.report(err)
		return audio.Artifact{}, err
	}

	span.SetAttributes(attribute.String("session.id", res.SessionID))
	s.presenter.DisplayStatus(false)
	s.presenter.DisplayElapsed(session.FormatElapsed(0))

	evt := protocol.RecordingStopped{
		SessionID:      res.SessionID,
		ElapsedSeconds: res.Elapsed.Seconds(),
		StoppedAt:      s.clock(),
	}
	if err != nil {
		kind := Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		s.inst.recordingDone(ctx, kind)
		evt.Error = err.Error()
		s.record(ctx, res.SessionID, eventstore.TypeRecordingFailed, evt)
		s.publish(protocol.SubjectRecordingStopped, evt)
		s.reportFor(res.SessionID, err)
		return audio.Artifact{}, err
	}

	artifact := res.Artifact
	evt.Path = artifact.Path
	evt.DurationSeconds = artifact.Duration().Seconds()
	s.inst.recordingDone(ctx, "ok")
	s.record(ctx, res.SessionID, eventstore.TypeRecordingStopped, evt)
	s.publish(protocol.SubjectRecordingStopped, evt)

	s.setCurrent(artifact.Path)
	return artifact, nil
}

// ToggleRecording starts when Idle and stops when Recording.
func (s *Scribe) ToggleRecording(ctx context.Context) error {
	if s.Recording() {
		_, err := s.StopRecording(ctx)
		return err
	}
	return s.StartRecording(ctx)
}

// SelectFile makes path the current file for the next transcription.
func (s *Scribe) SelectFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		s.report(ErrNoInput)
		return ErrNoInput
	}
	s.setCurrent(path)
	return nil
}

// CurrentFile is the last recorded artifact or selected file.
func (s *Scribe) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scribe) setCurrent(path string) {
	s.mu.Lock()
	s.current = path
	s.mu.Unlock()
	s.presenter.DisplayArtifact(path)
}

// Transcribe starts a transcription of path, or of the current file when
// path is empty, and returns its job ID without waiting. The result reaches
// the presenter and the history through Run.
func (s *Scribe) Transcribe(ctx context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = s.CurrentFile()
	}
	if path == "" {
		s.report(ErrNoInput)
		return "", ErrNoInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	jobID := uuid.NewString()
	if err := s.journal.AppendSession(ctx, jobID, eventstore.KindTranscription); err != nil {
		s.log.Warn("journal session failed", slog.String("job_id", jobID), slogError(err))
	}
	s.log.Info("transcription started", slog.String("job_id", jobID), slog.String("path", path))

	go func() {
		spanCtx, span := s.inst.tracer.Start(ctx, "scribe.transcribe",
			trace.WithAttributes(attribute.String("job.id", jobID), attribute.String("media.path", path)))
		began := time.Now()
		text, err := s.gateway.Transcribe(spanCtx, path)
		s.results <- transcription{
			jobID:   jobID,
			path:    path,
			text:    text,
			err:     err,
			elapsed: time.Since(began),
			span:    span,
			ctx:     spanCtx,
		}
	}()
	return jobID, nil
}

// Recent is the displayed window of history, newest first.
func (s *Scribe) Recent() []history.Entry {
	return s.history.Recent(s.window)
}

// Select shows the entry at a position in the displayed window.
func (s *Scribe) Select(index int) (history.Entry, error) {
	entry, err := s.history.EntryAt(index, s.window)
	if err != nil {
		s.report(err)
		return history.Entry{}, err
	}
	s.showTranscript(entry.Text)
	return entry, nil
}

// Transcript is the text currently on display.
func (s *Scribe) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Scribe) showTranscript(text string) {
	s.mu.Lock()
	s.transcript = text
	s.mu.Unlock()
	s.presenter.DisplayTranscript(text)
}

// ClearTranscript empties the display. History is not touched.
func (s *Scribe) ClearTranscript() {
	s.showTranscript("")
}

// SaveTranscript writes the displayed transcript to path as plain text. A
// path without an extension gets ".txt". The file is replaced atomically.
func (s *Scribe) SaveTranscript(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		s.report(ErrNoInput)
		return "", ErrNoInput
	}
	if filepath.Ext(path) == "" {
		path += ".txt"
	}
	text := strings.TrimSpace(s.Transcript())
	if text == "" {
		s.report(ErrNoTranscript)
		return "", ErrNoTranscript
	}
	if err := history.WriteFileAtomic(path, []byte(text)); err != nil {
		err = fmt.Errorf("%w: %w", ErrSave, err)
		s.report(err)
		return "", err
	}
	s.log.Info("transcript saved", slog.String("path", path), slog.Int("chars", len(text)))
	return path, nil
}

// LoadHistory reads the history file and displays the recent window. A
// corrupt file is reported and left untouched.
func (s *Scribe) LoadHistory() error {
	if _, err := s.history.Load(); err != nil {
		s.report(err)
		return err
	}
	s.presenter.DisplayHistory(s.Recent())
	return nil
}

// Run is the foreground loop. It returns when ctx ends, after stopping an
// active recording and draining in-flight transcriptions.
func (s *Scribe) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		runID, done := s.session.Watch()
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if s.Recording() {
				s.session.Tick()
				s.presenter.DisplayElapsed(session.FormatElapsed(s.session.Elapsed()))
			}
		case <-done:
			// The capture goroutine exited without a stop request.
			_, _ = s.stopRecording(context.Background(), runID)
		case <-s.wake:
		case res := <-s.results:
			s.complete(res)
		}
	}
}

func (s *Scribe) shutdown() {
	if s.Recording() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = s.StopRecording(ctx)
		cancel()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	for {
		select {
		case res := <-s.results:
			s.complete(res)
		case <-drained:
			return
		}
	}
}

// complete runs on the foreground loop, so appends happen in completion order.
func (s *Scribe) complete(res transcription) {
	defer s.inflight.Done()
	defer res.span.End()
	ctx := context.WithoutCancel(res.ctx)

	if res.err != nil {
		kind := Kind(res.err)
		res.span.RecordError(res.err)
		res.span.SetStatus(codes.Error, kind)
		s.inst.transcriptionDone(ctx, kind, res.elapsed.Seconds())
		s.record(ctx, res.jobID, eventstore.TypeTranscriptionFailed, protocol.Error{
			Kind: kind, Message: res.err.Error(), SessionID: res.jobID, Timestamp: s.clock(),
		})
		s.reportFor(res.jobID, res.err)
		return
	}

	s.inst.transcriptionDone(ctx, "ok", res.elapsed.Seconds())
	s.showTranscript(res.text)

	entry := history.Entry{Timestamp: s.clock(), Text: res.text, SourcePath: res.path}
	if _, err := s.history.Append(entry); err != nil {
		res.span.RecordError(err)
		s.reportFor(res.jobID, err)
	} else {
		s.presenter.DisplayHistory(s.Recent())
	}

	msg := protocol.Transcript{JobID: res.jobID, SourcePath: res.path, Text: res.text, Timestamp: entry.Timestamp}
	s.record(ctx, res.jobID, eventstore.TypeTranscriptionCompleted, msg)
	s.publish(protocol.SubjectTranscriptFinal, msg)
	s.log.Info("transcription completed",
		slog.String("job_id", res.jobID),
		slog.Int("chars", len(res.text)),
		slog.Duration("took", res.elapsed))
}

func (s *Scribe) report(err error) {
	s.reportFor("", err)
}

func (s *Scribe) reportFor(id string, err error) {
	kind := Kind(err)
	s.log.Warn("operation failed", slog.String("kind", kind), slog.String("id", id), slogError(err))
	s.presenter.DisplayError(kind, err.Error())
	s.publish(protocol.SubjectError, protocol.Error{Kind: kind, Message: err.Error(), SessionID: id, Timestamp: s.clock()})
}

func (s *Scribe) record(ctx context.Context, id, eventType string, v any) {
	if err := s.journal.AppendJSON(ctx, id, eventType, v); err != nil {
		s.log.Warn("journal event failed", slog.String("event", eventType), slog.String("id", id), slogError(err))
	}
}

func (s *Scribe) publish(subject string, v any) {
	if err := s.publisher.PublishJSON(subject, v); err != nil {
		s.log.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}
