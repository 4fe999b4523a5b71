package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// httpGateway speaks the OpenAI audio transcription API, which most hosted
// and self-hosted whisper servers also accept.
type httpGateway struct {
	endpoint string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

type httpResult struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewHTTPGateway(cfg config.GatewayConfig) (Gateway, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("gateway endpoint is empty")
	}
	return &httpGateway{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: timeout(cfg)},
	}, nil
}

func (g *httpGateway) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", recognitionError("open %s: %w", path, err)
	}
	defer f.Close()

	// Stream the upload so long recordings are not held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(g.writeForm(mw, f, filepath.Base(path)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, pr)
	if err != nil {
		pr.Close()
		return "", recognitionError("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", recognitionError("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", recognitionError("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", recognitionError("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out httpResult
	if err := json.Unmarshal(body, &out); err != nil {
		return "", recognitionError("decode response: %w", err)
	}
	if out.Error != nil {
		return "", recognitionError("%s", out.Error.Message)
	}
	return strings.TrimSpace(out.Text), nil
}

func (g *httpGateway) writeForm(mw *multipart.Writer, src io.Reader, name string) error {
	if err := mw.WriteField("model", g.model); err != nil {
		return err
	}
	if g.language != "" {
		if err := mw.WriteField("language", g.language); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, src); err != nil {
		return err
	}
	return mw.Close()
}
