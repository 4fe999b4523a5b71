// Package gateway hands recorded or selected media to a speech recognizer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrRecognition wraps every backend or extraction failure.
	ErrRecognition = errors.New("speech recognition failed")
	// ErrUnsupportedFormat is returned for files that are neither audio nor video.
	ErrUnsupportedFormat = errors.New("unsupported media format")
)

// Gateway turns a media file into text.
type Gateway interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// New builds the backend selected by cfg.Mode and wraps it with media routing.
func New(cfg config.GatewayConfig) (Gateway, error) {
	var (
		inner Gateway
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		inner = NewMockGateway()
	case "exec":
		inner, err = NewExecGateway(cfg)
	case "http":
		inner, err = NewHTTPGateway(cfg)
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	extractor, err := NewFFmpegExtractor(cfg.ExtractCommand)
	if err != nil {
		return nil, err
	}
	return WithMediaRouting(inner, extractor, ""), nil
}

func timeout(cfg config.GatewayConfig) time.Duration {
	if cfg.TimeoutMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

func recognitionError(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrRecognition, fmt.Errorf(format, args...))
}
