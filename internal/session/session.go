// Package session owns the Idle/Recording state machine that sits between the
// user's start/stop intents and the audio capture.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// State of a Session.
type State int32

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	default:
		return "idle"
	}
}

// Capturer is the part of audio.Capture a session drives.
type Capturer interface {
	Start(ctx context.Context) (*audio.Handle, error)
	ReadChunk(h *audio.Handle) ([]byte, error)
	Stop(h *audio.Handle) (audio.Artifact, error)
	Abort(h *audio.Handle)
	// Interrupt closes the input so a blocked ReadChunk returns. It must be
	// safe to call while ReadChunk runs in another goroutine.
	Interrupt(h *audio.Handle)
}

// Result describes a finished recording.
type Result struct {
	SessionID string
	Artifact  audio.Artifact
	Elapsed   time.Duration
}

type outcome struct {
	artifact audio.Artifact
	err      error
}

// run is one Recording period.
type run struct {
	id        string
	startedAt time.Time
	handle    *audio.Handle
	stop      chan struct{}
	stopOnce  sync.Once
	result    chan outcome
	done      chan struct{}
}

func (r *run) signalStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

type Session struct {
	capture Capturer
	log     *slog.Logger

	mu  sync.Mutex
	cur *run

	last   atomic.Pointer[audio.Artifact]
	active atomic.Pointer[run]

	state   atomic.Int32
	elapsed atomic.Int64
	id      atomic.Value
}

func New(capture Capturer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		capture: capture,
		log:     logger.With(slog.String("component", "session")),
	}
	s.id.Store("")
	return s
}

// Start opens the capture and launches the reader goroutine. On error the
// session stays Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		return ErrAlreadyRecording
	}
	h, err := s.capture.Start(ctx)
	if err != nil {
		s.log.Warn("capture start failed", slogError(err))
		return err
	}

	r := &run{
		id:        uuid.NewString(),
		startedAt: h.StartedAt(),
		handle:    h,
		stop:      make(chan struct{}),
		result:    make(chan outcome, 1),
		done:      make(chan struct{}),
	}
	s.cur = r
	s.elapsed.Store(0)
	s.id.Store(r.id)
	s.active.Store(r)
	s.state.Store(int32(Recording))

	go s.read(r, h)
	s.log.Info("recording started", slog.String("session_id", r.id))
	return nil
}

func (s *Session) read(r *run, h *audio.Handle) {
	defer close(r.done)
	for {
		if r.stopping() {
			r.result <- s.finish(h)
			return
		}
		if _, err := s.capture.ReadChunk(h); err != nil {
			// Stop interrupts the stream, so whatever a read returns after
			// that is the end of the recording.
			if errors.Is(err, io.EOF) || r.stopping() {
				r.result <- s.finish(h)
				return
			}
			s.capture.Abort(h)
			s.log.Error("capture read failed", slog.String("session_id", r.id), slogError(err))
			if !errors.Is(err, audio.ErrDeviceRead) {
				err = fmt.Errorf("%w: %w", audio.ErrDeviceRead, err)
			}
			r.result <- outcome{err: err}
			return
		}
	}
}

func (s *Session) finish(h *audio.Handle) outcome {
	artifact, err := s.capture.Stop(h)
	return outcome{artifact: artifact, err: err}
}

// Stop ends the recording and waits for the artifact. The session is Idle
// whenever Stop returns something other than a context error, including
// ErrNoAudioCaptured and write failures.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	return s.stop(ctx, "")
}

// StopRun is Stop restricted to the recording with the given ID. It returns
// ErrNotRecording if that recording already ended.
func (s *Session) StopRun(ctx context.Context, id string) (Result, error) {
	return s.stop(ctx, id)
}

func (s *Session) stop(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.cur
	if r == nil || (id != "" && r.id != id) {
		return Result{}, ErrNotRecording
	}
	r.signalStop()
	s.capture.Interrupt(r.handle)

	var out outcome
	select {
	case out = <-r.result:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	res := Result{SessionID: r.id, Elapsed: s.Elapsed()}
	s.cur = nil
	s.state.Store(int32(Idle))
	s.elapsed.Store(0)
	s.active.Store(nil)

	if out.err != nil {
		s.log.Warn("recording ended without artifact", slog.String("session_id", r.id), slogError(out.err))
		return res, out.err
	}
	res.Artifact = out.artifact
	artifact := out.artifact
	s.last.Store(&artifact)
	s.log.Info("recording stopped",
		slog.String("session_id", r.id),
		slog.String("path", out.artifact.Path),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Done is closed when the current capture goroutine exits, either because
// Stop was called or the device failed. It is nil while Idle, so a select on
// it blocks.
func (s *Session) Done() <-chan struct{} {
	_, done := s.Watch()
	return done
}

// Watch returns the active recording's ID together with its Done channel.
// Both are empty while Idle.
func (s *Session) Watch() (string, <-chan struct{}) {
	if r := s.active.Load(); r != nil {
		return r.id, r.done
	}
	return "", nil
}

// Tick advances the elapsed counter by one second while Recording.
func (s *Session) Tick() {
	if s.State() == Recording {
		s.elapsed.Add(1)
	}
}

func (s *Session) Elapsed() time.Duration {
	return time.Duration(s.elapsed.Load()) * time.Second
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// ID is the current recording's identifier, or the last one after Stop.
func (s *Session) ID() string {
	return s.id.Load().(string)
}

// LastArtifact is the most recent successfully written recording.
func (s *Session) LastArtifact() (audio.Artifact, bool) {
	if a := s.last.Load(); a != nil {
		return *a, true
	}
	return audio.Artifact{}, false
}

// FormatElapsed renders d as mm:ss. Minutes keep counting past 59.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
