package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDeviceUnavailable means no input stream could be opened.
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	// ErrDeviceRead is a failed read from an open stream.
	ErrDeviceRead = errors.New("audio device read failed")
	// ErrWrite means the artifact could not be written; no artifact exists.
	ErrWrite = errors.New("audio artifact write failed")
	// ErrNoAudioCaptured is returned by Stop when no chunk was read.
	ErrNoAudioCaptured = errors.New("no audio captured")
)

// Artifact is a finished recording on disk.
type Artifact struct {
	Path        string
	SampleRate  int
	Channels    int
	SampleWidth int
	Frames      int
	StartedAt   time.Time
}

// Duration is the playback length of the artifact.
func (a Artifact) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.Frames) * time.Second / time.Duration(a.SampleRate)
}

// Handle is one open capture. It owns the chunks read since Start.
type Handle struct {
	stream    Stream
	startedAt time.Time
	chunks    [][]byte
	size      int

	closeOnce sync.Once
	closed    atomic.Bool
}

// StartedAt is the wall-clock time the stream was opened.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Chunks reports how many chunks have been buffered.
func (h *Handle) Chunks() int { return len(h.chunks) }

// Capture turns device streams into WAV artifacts. It assumes a single caller;
// exclusivity is the session's job.
type Capture struct {
	device Device
	format Format
	dir    string
	clock  func() time.Time
	log    *slog.Logger
}

func NewCapture(device Device, outputDir string, log *slog.Logger) *Capture {
	if outputDir == "" {
		outputDir = "."
	}
	return &Capture{
		device: device,
		format: DefaultFormat,
		dir:    outputDir,
		clock:  time.Now,
		log:    log.With(slog.String("component", "audio-capture")),
	}
}

// Format returns the fixed capture format.
func (c *Capture) Format() Format { return c.format }

// Start opens the input stream.
func (c *Capture) Start(ctx context.Context) (*Handle, error) {
	stream, err := c.device.Open(ctx, c.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	h := &Handle{stream: stream, startedAt: c.clock()}
	c.log.Debug("capture started", slog.Time("started_at", h.startedAt))
	return h, nil
}

// ReadChunk blocks for the next chunk. It returns io.EOF once the stream ends.
// A trailing partial chunk is returned trimmed to whole frames.
func (c *Capture) ReadChunk(h *Handle) ([]byte, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: capture closed", ErrDeviceRead)
	}
	buf := make([]byte, c.format.ChunkBytes())
	n, err := io.ReadFull(h.stream, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		n -= n % c.format.FrameBytes()
		if n == 0 {
			return nil, io.EOF
		}
	default:
		return nil, fmt.Errorf("%w: %w", ErrDeviceRead, err)
	}
	chunk := buf[:n]
	h.chunks = append(h.chunks, chunk)
	h.size += n
	return chunk, nil
}

// Stop closes the stream and writes everything read since Start as
// recording_<YYYYMMDD_HHMMSS>.wav, with a numeric suffix if that name is
// taken. The buffer is released either way.
func (c *Capture) Stop(h *Handle) (Artifact, error) {
	c.close(h)
	chunks, size := h.chunks, h.size
	h.chunks, h.size = nil, 0
	if len(chunks) == 0 {
		return Artifact{}, ErrNoAudioCaptured
	}

	pcm := make([]byte, 0, size)
	for _, chunk := range chunks {
		pcm = append(pcm, chunk...)
	}

	path, err := c.writeArtifact(ArtifactName(h.startedAt), pcm)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	artifact := Artifact{
		Path:        path,
		SampleRate:  c.format.SampleRate,
		Channels:    c.format.Channels,
		SampleWidth: c.format.SampleWidth,
		Frames:      len(pcm) / c.format.FrameBytes(),
		StartedAt:   h.startedAt,
	}
	c.log.Info("recording saved",
		slog.String("path", path),
		slog.Duration("duration", artifact.Duration()))
	return artifact, nil
}

// Abort closes the stream and drops any buffered audio.
func (c *Capture) Abort(h *Handle) {
	c.close(h)
	h.chunks, h.size = nil, 0
}

// Interrupt closes the stream without touching the buffered chunks, so a
// ReadChunk blocked in another goroutine returns. Stop still has to be called
// to write the artifact.
func (c *Capture) Interrupt(h *Handle) {
	c.close(h)
}

func (c *Capture) close(h *Handle) {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if err := h.stream.Close(); err != nil {
			c.log.Warn("closing capture stream failed", slogError(err))
		}
	})
}

// maxNameCollisions bounds the numeric suffixes tried for one start second.
const maxNameCollisions = 1000

// writeArtifact writes pcm to a temp file and links it under name in the
// output directory. An existing artifact is never replaced: a second
// recording in the same second becomes recording_<ts>_1.wav and so on.
func (c *Capture) writeArtifact(name string, pcm []byte) (path string, err error) {
	tmp, err := os.CreateTemp(c.dir, ".recording-*.wav.tmp")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err = WriteWAV(tmp, pcm, c.format); err != nil {
		return "", err
	}
	if err = tmp.Sync(); err != nil {
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}

	for i := 0; i < maxNameCollisions; i++ {
		path = filepath.Join(c.dir, suffixed(name, i))
		err = os.Link(tmp.Name(), path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free artifact name for %s", name)
}

func suffixed(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(i) + ext
}

// ArtifactName derives the artifact file name from the capture start time.
func ArtifactName(t time.Time) string {
	return "recording_" + t.Format("20060102_150405") + ".wav"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
