package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// execGateway runs a local recognizer such as a whisper.cpp wrapper. The
// command receives --audio <path> and must print {"text": "..."} on stdout.
type execGateway struct {
	cmd     []string
	cfg     config.GatewayConfig
	timeout time.Duration
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecGateway(cfg config.GatewayConfig) (Gateway, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse gateway command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("gateway command is empty")
	}
	return &execGateway{cmd: args, cfg: cfg, timeout: timeout(cfg)}, nil
}

func (g *execGateway) Transcribe(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	base := g.cmd[0]
	cmdArgs := append([]string{}, g.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if g.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", g.cfg.Model)
	}
	if g.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", g.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", recognitionError("gateway command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", recognitionError("decode gateway response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
