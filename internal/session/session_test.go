package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCapture paces chunk reads and lets tests inject failures.
type fakeCapture struct {
	startErr  error
	readErr   error
	readAfter int
	interval  time.Duration

	reads   atomic.Int32
	stopped atomic.Int32
	aborted atomic.Int32
	starts  atomic.Int32
}

func (f *fakeCapture) Start(context.Context) (*audio.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts.Add(1)
	return &audio.Handle{}, nil
}

func (f *fakeCapture) ReadChunk(*audio.Handle) ([]byte, error) {
	n := f.reads.Add(1)
	if f.readErr != nil && int(n) > f.readAfter {
		return nil, f.readErr
	}
	time.Sleep(f.interval)
	return make([]byte, 2048), nil
}

func (f *fakeCapture) Stop(*audio.Handle) (audio.Artifact, error) {
	f.stopped.Add(1)
	if f.reads.Load() == 0 {
		return audio.Artifact{}, audio.ErrNoAudioCaptured
	}
	return audio.Artifact{Path: "/tmp/recording_test.wav", SampleRate: 44100, Channels: 1, SampleWidth: 2}, nil
}

func (f *fakeCapture) Abort(*audio.Handle) { f.aborted.Add(1) }

func (f *fakeCapture) Interrupt(*audio.Handle) {}

func waitReads(t *testing.T, f *fakeCapture, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.reads.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d reads", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartStop(t *testing.T) {
	f := &fakeCapture{interval: 5 * time.Millisecond}
	s := New(f, newLogger())
	ctx := context.Background()

	if s.State() != Idle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != Recording {
		t.Fatalf("expected recording, got %s", s.State())
	}
	id := s.ID()
	if id == "" {
		t.Fatal("expected session id")
	}
	waitReads(t, f, 2)

	res, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("expected idle after stop")
	}
	if res.SessionID != id || res.Artifact.Path == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	last, ok := s.LastArtifact()
	if !ok || last.Path != res.Artifact.Path {
		t.Fatalf("expected last artifact %q, got %q", res.Artifact.Path, last.Path)
	}
	if f.stopped.Load() != 1 {
		t.Fatalf("expected capture stopped once, got %d", f.stopped.Load())
	}
}

func TestStartWhileRecording(t *testing.T) {
	f := &fakeCapture{interval: time.Millisecond}
	s := New(f, newLogger())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _, _ = s.Stop(ctx) })

	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if f.starts.Load() != 1 {
		t.Fatalf("second start must not open the device")
	}
}

func TestStopWhileIdle(t *testing.T) {
	s := New(&fakeCapture{}, newLogger())
	if _, err := s.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	f := &fakeCapture{startErr: audio.ErrDeviceUnavailable}
	s := New(f, newLogger())
	if err := s.Start(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if s.State() != Idle {
		t.Fatal("expected idle after failed start")
	}
}

func TestStopWithNoAudio(t *testing.T) {
	f := &fakeCapture{}
	s := New(&noReadCapture{fakeCapture: f}, newLogger())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := s.Stop(ctx)
	if !errors.Is(err, audio.ErrNoAudioCaptured) {
		t.Fatalf("expected ErrNoAudioCaptured, got %v", err)
	}
	if s.State() != Idle {
		t.Fatal("expected idle")
	}
	if _, ok := s.LastArtifact(); ok {
		t.Fatal("no artifact expected")
	}
}

// noReadCapture ends the stream before the first chunk.
type noReadCapture struct {
	*fakeCapture
}

func (n *noReadCapture) ReadChunk(*audio.Handle) ([]byte, error) {
	return nil, io.EOF
}

func TestDeviceReadErrorIsReaped(t *testing.T) {
	f := &fakeCapture{readErr: errors.New("overrun"), readAfter: 2}
	s := New(f, newLogger())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture goroutine did not exit")
	}
	if s.State() != Recording {
		t.Fatal("state changes only through Stop")
	}
	_, err := s.Stop(ctx)
	if !errors.Is(err, audio.ErrDeviceRead) {
		t.Fatalf("expected ErrDeviceRead, got %v", err)
	}
	if f.aborted.Load() != 1 || f.stopped.Load() != 0 {
		t.Fatalf("expected abort without stop, got abort=%d stop=%d", f.aborted.Load(), f.stopped.Load())
	}
	if s.State() != Idle {
		t.Fatal("expected idle")
	}
	if s.Done() != nil {
		t.Fatal("expected nil done channel while idle")
	}
}

func TestStopWithinOneChunk(t *testing.T) {
	interval := 20 * time.Millisecond
	f := &fakeCapture{interval: interval}
	s := New(f, newLogger())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitReads(t, f, 1)

	begin := time.Now()
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(begin); took > 10*interval {
		t.Fatalf("stop took %s", took)
	}
	before := f.reads.Load()
	time.Sleep(3 * interval)
	if f.reads.Load() != before {
		t.Fatal("reads continued after stop")
	}
}

func TestStopContextExpires(t *testing.T) {
	s := New(&blockingCapture{release: make(chan struct{})}, newLogger())
	bc := s.capture.(*blockingCapture)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.State() != Recording {
		t.Fatal("expected still recording after abandoned stop")
	}
	close(bc.release)
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

type blockingCapture struct {
	release chan struct{}
}

func (b *blockingCapture) Start(context.Context) (*audio.Handle, error) { return &audio.Handle{}, nil }
func (b *blockingCapture) ReadChunk(*audio.Handle) ([]byte, error) {
	<-b.release
	return make([]byte, 2), nil
}
func (b *blockingCapture) Stop(*audio.Handle) (audio.Artifact, error) {
	return audio.Artifact{Path: "x.wav"}, nil
}
func (b *blockingCapture) Abort(*audio.Handle) {}

// Interrupt is ignored, modelling an input that cannot be woken.
func (b *blockingCapture) Interrupt(*audio.Handle) {}

func TestTickAndElapsed(t *testing.T) {
	f := &fakeCapture{interval: time.Millisecond}
	s := New(f, newLogger())
	ctx := context.Background()

	s.Tick()
	if s.Elapsed() != 0 {
		t.Fatal("idle ticks must not count")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 65; i++ {
		s.Tick()
	}
	if got := FormatElapsed(s.Elapsed()); got != "01:05" {
		t.Fatalf("elapsed = %s", got)
	}
	res, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Elapsed != 65*time.Second {
		t.Fatalf("result elapsed = %s", res.Elapsed)
	}
	if s.Elapsed() != 0 {
		t.Fatal("expected counter reset after stop")
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "00:00",
		59 * time.Second:        "00:59",
		61 * time.Second:        "01:01",
		100 * time.Minute:       "100:00",
		-3 * time.Second:        "00:00",
		1500 * time.Millisecond: "00:01",
	}
	for d, want := range cases {
		if got := FormatElapsed(d); got != want {
			t.Errorf("FormatElapsed(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestConcurrentStartStop(t *testing.T) {
	f := &fakeCapture{interval: time.Millisecond}
	s := New(f, newLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	var startOK, stopOK atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if s.Start(ctx) == nil {
				startOK.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Stop(ctx); err == nil || errors.Is(err, audio.ErrNoAudioCaptured) {
				stopOK.Add(1)
			}
		}()
	}
	wg.Wait()
	if s.State() == Recording {
		if _, err := s.Stop(ctx); err == nil || errors.Is(err, audio.ErrNoAudioCaptured) {
			stopOK.Add(1)
		}
	}
	if startOK.Load() != stopOK.Load() {
		t.Fatalf("every start must pair with one stop: starts=%d stops=%d", startOK.Load(), stopOK.Load())
	}
	if f.starts.Load() != startOK.Load() {
		t.Fatalf("device opened %d times for %d starts", f.starts.Load(), startOK.Load())
	}
}

func TestRealCapture(t *testing.T) {
	dir := t.TempDir()
	capture := audio.NewCapture(audio.NewToneDevice(), dir, newLogger())
	s := New(capture, newLogger())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	res, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Artifact.Frames == 0 {
		t.Fatal("expected frames captured")
	}
	if _, err := os.Stat(res.Artifact.Path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

// stalledDevice produces one chunk and then never returns from Read until
// the stream is closed.
type stalledDevice struct{}

func (stalledDevice) Open(context.Context, audio.Format) (audio.Stream, error) {
	return &stalledStream{closed: make(chan struct{})}, nil
}

type stalledStream struct {
	sent      bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stalledStream) Read(p []byte) (int, error) {
	if !s.sent {
		s.sent = true
		return len(p), nil
	}
	<-s.closed
	return 0, io.EOF
}

func (s *stalledStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func TestStopReturnsWhenDeviceStalls(t *testing.T) {
	capture := audio.NewCapture(stalledDevice{}, t.TempDir(), newLogger())
	s := New(capture, newLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := s.Stop(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on a stalled device")
	}
	if s.State() != Idle {
		t.Fatal("expected idle after stop")
	}
	if a, ok := s.LastArtifact(); !ok || a.Frames != audio.DefaultFormat.ChunkFrames {
		t.Fatalf("expected the delivered chunk saved, got %+v", a)
	}
}

func TestStartFailingExecDevice(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dev, err := audio.NewExecDevice(`sh -c 'echo no such device >&2; exit 1'`)
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	s := New(audio.NewCapture(dev, t.TempDir(), newLogger()), newLogger())
	if err := s.Start(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("expected idle after failed start, got %s", s.State())
	}
}

func TestStopRunIgnoresStaleID(t *testing.T) {
	f := &fakeCapture{interval: time.Millisecond}
	s := New(f, newLogger())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := s.Watch()
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _, _ = s.Stop(ctx) })

	if _, err := s.StopRun(ctx, first); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording for stale id, got %v", err)
	}
	if s.State() != Recording {
		t.Fatal("stale stop must not end the new recording")
	}
	current, done := s.Watch()
	if current == first || done == nil {
		t.Fatalf("unexpected watch state %q %v", current, done)
	}
}
