package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Capture.OutputDir = filepath.Join(dir, "recordings")
	cfg.History.Path = filepath.Join(dir, "transcript_history.json")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	return cfg
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRuntimeRecordTranscribeQuit(t *testing.T) {
	cfg := testConfig(t)
	in, keys := io.Pipe()
	out := &syncBuffer{}
	rt := New(cfg, newLogger(), WithTerminal(in, out))

	errc := make(chan error, 1)
	go func() { errc <- rt.Start(context.Background()) }()

	waitFor(t, "http listener", func() bool { return rt.Addr() != "" })
	base := "http://" + rt.Addr()
	if code, _ := get(t, base+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	waitFor(t, "readiness", func() bool {
		code, _ := get(t, base+"/readyz")
		return code == http.StatusOK
	})

	send := func(key string) {
		t.Helper()
		if _, err := io.WriteString(keys, key); err != nil {
			t.Fatalf("send %q: %v", key, err)
		}
	}
	send("r")
	time.Sleep(150 * time.Millisecond)
	send("r")

	var matches []string
	waitFor(t, "artifact", func() bool {
		matches, _ = filepath.Glob(filepath.Join(cfg.Capture.OutputDir, "recording_*.wav"))
		return len(matches) == 1
	})
	send("t")

	waitFor(t, "history entry", func() bool {
		data, err := os.ReadFile(cfg.History.Path)
		return err == nil && strings.Contains(string(data), "recording_")
	})
	waitFor(t, "transcript in the UI", func() bool {
		return strings.Contains(out.String(), "[transcript of "+filepath.Base(matches[0]))
	})

	if _, body := get(t, base+"/metrics"); !strings.Contains(body, "scribe_recordings") {
		t.Fatalf("metrics missing scribe counters:\n%s", body)
	}

	send("q")
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("runtime: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop after quit")
	}
}

func TestRuntimeLeavesCorruptHistoryUntouched(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	if err := os.WriteFile(cfg.History.Path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	in, keys := io.Pipe()
	out := &syncBuffer{}
	rt := New(cfg, newLogger(), WithTerminal(in, out))
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(context.Background()) }()

	waitFor(t, "corrupt history reported", func() bool {
		return strings.Contains(out.String(), "CorruptHistory")
	})
	if _, err := io.WriteString(keys, "q"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("runtime: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop after quit")
	}
	data, err := os.ReadFile(cfg.History.Path)
	if err != nil || string(data) != "not json" {
		t.Fatalf("history file changed: %q, %v", data, err)
	}
}

func TestRuntimeStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, newLogger(), WithTerminal(in, io.Discard))
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()

	waitFor(t, "http listener", func() bool { return rt.Addr() != "" })
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("runtime: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
}
