package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Device opens input streams. Implementations must deliver raw PCM in the
// requested format.
type Device interface {
	Open(ctx context.Context, f Format) (Stream, error)
}

// Stream is an open input. Read blocks until data is available.
type Stream interface {
	io.Reader
	io.Closer
}

// ExecDevice records by running an external command that writes raw PCM to
// stdout, e.g. ffmpeg or arecord.
type ExecDevice struct {
	argv []string
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{argv: args}, nil
}

// execStartTimeout bounds how long Open waits for the first PCM bytes. A
// command still silent after it is assumed to be a slow but live input.
var execStartTimeout = 2 * time.Second

// Open starts the command and waits until it delivers audio, exits, or
// execStartTimeout passes. A command that exits before producing any bytes
// could not open its input, so that is reported as an open error.
func (d *ExecDevice) Open(ctx context.Context, _ Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(d.argv[0], d.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s := &execStream{cmd: cmd, stdout: bufio.NewReader(stdout), ready: make(chan struct{})}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.argv[0], err)
	}

	peeked := make(chan error, 1)
	go func() {
		defer close(s.ready)
		_, err := s.stdout.Peek(1)
		peeked <- err
	}()

	timer := time.NewTimer(execStartTimeout)
	defer timer.Stop()
	select {
	case err := <-peeked:
		if err == nil {
			return s, nil
		}
		werr := s.wait()
		if werr == nil {
			werr = err
		}
		return nil, fmt.Errorf("%s exited before producing audio: %w: %s", d.argv[0], werr, strings.TrimSpace(s.stderr.String()))
	case <-timer.C:
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

type execStream struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr bytes.Buffer
	// ready is closed once the start-up peek has returned; the reader is
	// not safe to share with it.
	ready chan struct{}

	once    sync.Once
	waitErr error
}

func (s *execStream) Read(p []byte) (int, error) {
	<-s.ready
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, fmt.Errorf("capture command exited: %w: %s", werr, strings.TrimSpace(s.stderr.String()))
		}
	}
	return n, err
}

func (s *execStream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

func (s *execStream) wait() error {
	s.once.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// ToneDevice synthesises a sine wave. It stands in for a microphone when no
// capture command is configured.
type ToneDevice struct {
	Frequency float64
	Amplitude float64
	// Realtime paces reads to the sample rate like a real input would.
	Realtime bool
}

func NewToneDevice() *ToneDevice {
	return &ToneDevice{Frequency: 440, Amplitude: 0.2, Realtime: true}
}

func (d *ToneDevice) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SampleWidth != 2 {
		return nil, fmt.Errorf("tone device supports 16-bit samples only")
	}
	return &toneStream{dev: *d, format: f, started: time.Now(), done: make(chan struct{})}, nil
}

type toneStream struct {
	dev     ToneDevice
	format  Format
	started time.Time
	frames  int64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *toneStream) Read(p []byte) (int, error) {
	frameBytes := s.format.FrameBytes()
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	if s.dev.Realtime {
		due := s.started.Add(time.Duration(s.frames+int64(frames)) * time.Second / time.Duration(s.format.SampleRate))
		select {
		case <-s.done:
			return 0, io.EOF
		case <-time.After(time.Until(due)):
		}
	} else {
		select {
		case <-s.done:
			return 0, io.EOF
		default:
		}
	}
	for i := 0; i < frames; i++ {
		t := float64(s.frames+int64(i)) / float64(s.format.SampleRate)
		v := int16(s.dev.Amplitude * math.MaxInt16 * math.Sin(2*math.Pi*s.dev.Frequency*t))
		for c := 0; c < s.format.Channels; c++ {
			binary.LittleEndian.PutUint16(p[i*frameBytes+c*2:], uint16(v))
		}
	}
	s.frames += int64(frames)
	return frames * frameBytes, nil
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
