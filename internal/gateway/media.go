package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// MediaKind classifies a file by extension.
type MediaKind int

const (
	MediaUnsupported MediaKind = iota
	MediaAudio
	MediaVideo
)

var (
	audioExts = map[string]bool{".wav": true, ".mp3": true, ".flac": true, ".aif": true, ".aiff": true, ".m4a": true, ".ogg": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true}
)

// Classify reports whether path names an audio or video file. Matching is
// case-insensitive.
func Classify(path string) MediaKind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case audioExts[ext]:
		return MediaAudio
	case videoExts[ext]:
		return MediaVideo
	default:
		return MediaUnsupported
	}
}

// Extractor pulls the audio track out of a video into out.
type Extractor interface {
	ExtractAudio(ctx context.Context, videoPath, out string) error
}

// FFmpegExtractor shells out to ffmpeg. Argv is the command prefix, e.g.
// ["ffmpeg"] or ["nice", "-n", "10", "ffmpeg"]; the extraction arguments are
// appended to it.
type FFmpegExtractor struct {
	Argv []string
}

// NewFFmpegExtractor parses command with shell quoting rules. An empty
// command means plain "ffmpeg" from PATH.
func NewFFmpegExtractor(command string) (*FFmpegExtractor, error) {
	if strings.TrimSpace(command) == "" {
		return &FFmpegExtractor{Argv: []string{"ffmpeg"}}, nil
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extract command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extract command is empty")
	}
	return &FFmpegExtractor{Argv: args}, nil
}

func (e *FFmpegExtractor) ExtractAudio(ctx context.Context, videoPath, out string) error {
	// <argv> -y -loglevel error -i input -vn -ac 1 -ar 44100 -f wav output
	args := append(append([]string(nil), e.Argv[1:]...),
		"-y", "-loglevel", "error",
		"-i", videoPath,
		"-vn", "-ac", "1", "-ar", "44100",
		"-f", "wav",
		out,
	)
	cmd := exec.CommandContext(ctx, e.Argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(e.Argv[0]), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

type mediaRouter struct {
	inner     Gateway
	extractor Extractor
	tempDir   string
}

// WithMediaRouting sends audio files straight to inner and video files
// through extractor first. The extracted track is always removed afterwards.
func WithMediaRouting(inner Gateway, extractor Extractor, tempDir string) Gateway {
	return &mediaRouter{inner: inner, extractor: extractor, tempDir: tempDir}
}

func (r *mediaRouter) Transcribe(ctx context.Context, path string) (string, error) {
	switch Classify(path) {
	case MediaAudio:
		return r.inner.Transcribe(ctx, path)
	case MediaVideo:
		return r.transcribeVideo(ctx, path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func (r *mediaRouter) transcribeVideo(ctx context.Context, path string) (string, error) {
	tmp, err := os.CreateTemp(r.tempDir, "scribe_audio_*.wav")
	if err != nil {
		return "", recognitionError("temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := r.extractor.ExtractAudio(ctx, path, tmpPath); err != nil {
		return "", recognitionError("extract audio: %w", err)
	}
	return r.inner.Transcribe(ctx, tmpPath)
}
