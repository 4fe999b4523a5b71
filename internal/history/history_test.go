package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)

func entry(i int) Entry {
	return Entry{
		Timestamp:  base.Add(time.Duration(i) * time.Minute),
		Text:       fmt.Sprintf("T%d", i),
		SourcePath: fmt.Sprintf("/tmp/recording_%d.wav", i),
	}
}

func seed(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := s.Append(entry(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestLoadAbsentFile(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	entries, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 || s.Len() != 0 {
		t.Fatalf("expected empty history, got %d", len(entries))
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("load must not create the file")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := Open(path, newLogger()).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history")
	}
}

func TestLoadCorrupt(t *testing.T) {
	cases := map[string]string{
		"truncated":     `[{"timestamp": "2024-05-01 09:00:00", "text": "a"`,
		"object":        `{"timestamp": "2024-05-01 09:00:00"}`,
		"null":          `null`,
		"bad timestamp": `[{"timestamp": "yesterday", "text": "a", "file": "x.wav"}]`,
		"trailing":      `[] []`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Open(path, newLogger()).Load()
			if !errors.Is(err, ErrCorruptHistory) {
				t.Fatalf("expected ErrCorruptHistory, got %v", err)
			}
		})
	}
}

func TestLoadCorruptKeepsMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := Open(path, newLogger())
	seed(t, s, 2)

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("expected ErrCorruptHistory, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("mirror changed on corrupt load: %d entries", s.Len())
	}
}

func TestLoadReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	body := `[
    {"timestamp": "2024-05-01 09:00:00", "text": "first", "file": "/a.wav"},
    {"timestamp": "2024-05-01T09:05:00.123456", "text": "second", "file": "/b.mp4"},
    {"timestamp": "2024-05-01T09:10:00+02:00", "text": "third", "file": "/c.wav"}
]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := Open(path, newLogger()).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 || entries[1].SourcePath != "/b.mp4" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	want := time.Date(2024, 5, 1, 9, 5, 0, 123456000, time.Local)
	if !entries[1].Timestamp.Equal(want) {
		t.Fatalf("naive timestamp parsed as %s", entries[1].Timestamp)
	}
	if _, offset := entries[2].Timestamp.Zone(); offset != 2*3600 {
		t.Fatalf("expected +02:00 offset kept, got %d", offset)
	}
}

func TestAppendPersistsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := Open(path, newLogger())
	seed(t, s, 3)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var onDisk []map[string]string
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("file is not a json array: %v", err)
	}
	if len(onDisk) != 3 {
		t.Fatalf("expected 3 entries on disk, got %d", len(onDisk))
	}
	if onDisk[0]["text"] != "T1" || onDisk[2]["text"] != "T3" {
		t.Fatalf("unexpected order %v", onDisk)
	}
	if onDisk[1]["file"] != "/tmp/recording_2.wav" || onDisk[1]["timestamp"] != base.Add(2*time.Minute).Format(time.RFC3339Nano) {
		t.Fatalf("unexpected entry fields %v", onDisk[1])
	}

	reloaded, err := Open(path, newLogger()).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := texts(reloaded); fmt.Sprint(got) != "[T1 T2 T3]" {
		t.Fatalf("reloaded %v", got)
	}
}

func TestAppendKeepsSubSecondTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := Open(path, newLogger())
	stamp := time.Date(2024, 5, 1, 9, 0, 0, 123456000, time.UTC)
	appended, err := s.Append(Entry{Timestamp: stamp, Text: "precise", SourcePath: "a.wav"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reloaded, err := Open(path, newLogger()).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded) != 1 || len(appended) != 1 {
		t.Fatalf("expected one entry, got %d in memory and %d on disk", len(appended), len(reloaded))
	}
	if !reloaded[0].Timestamp.Equal(appended[0].Timestamp) {
		t.Fatalf("in memory %s, on disk %s", appended[0].Timestamp.Format(time.RFC3339Nano), reloaded[0].Timestamp.Format(time.RFC3339Nano))
	}
}

func TestAppendRejectsMissingTimestamp(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	if _, err := s.Append(Entry{Text: "x"}); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
}

func TestAppendWriteFailureLeavesFileIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := Open(path, newLogger())
	seed(t, s, 2)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	s.writeFile = func(string, []byte) error { return errors.New("disk full") }
	if _, err := s.Append(entry(3)); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("file changed after failed append")
	}
	if s.Len() != 2 {
		t.Fatalf("mirror changed after failed append: %d", s.Len())
	}
}

func TestAppendToUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := Open(filepath.Join(blocker, "history.json"), newLogger())
	if _, err := s.Append(entry(1)); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
}

func TestAppendRefusesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Open(path, newLogger())
	if _, err := s.Append(entry(1)); !errors.Is(err, ErrPersist) || !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("expected ErrPersist wrapping ErrCorruptHistory, got %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{broken" {
		t.Fatal("corrupt file was overwritten")
	}
}

func TestAppendLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "history.json"), newLogger())
	seed(t, s, 3)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only history.json, found %d entries", len(entries))
	}
}

func TestRecent(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	seed(t, s, 7)

	if got := fmt.Sprint(texts(s.Recent(5))); got != "[T7 T6 T5 T4 T3]" {
		t.Fatalf("Recent(5) = %s", got)
	}
	if got := fmt.Sprint(texts(s.Recent(10))); got != "[T7 T6 T5 T4 T3 T2 T1]" {
		t.Fatalf("Recent(10) = %s", got)
	}
	if got := s.Recent(0); len(got) != 0 {
		t.Fatalf("Recent(0) = %v", got)
	}
}

func TestRecentEmpty(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	if got := s.Recent(5); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}

func TestEntryAt(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	seed(t, s, 7)

	e, err := s.EntryAt(0, 5)
	if err != nil || e.Text != "T7" {
		t.Fatalf("EntryAt(0) = %+v, %v", e, err)
	}
	e, err = s.EntryAt(4, 5)
	if err != nil || e.Text != "T3" {
		t.Fatalf("EntryAt(4) = %+v, %v", e, err)
	}
	for _, idx := range []int{-1, 5, 6} {
		if _, err := s.EntryAt(idx, 5); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("EntryAt(%d) expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
}

func TestEntryAtShortHistory(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "history.json"), newLogger())
	seed(t, s, 2)
	e, err := s.EntryAt(1, 5)
	if err != nil || e.Text != "T1" {
		t.Fatalf("EntryAt(1) = %+v, %v", e, err)
	}
	if _, err := s.EntryAt(2, 5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := Open(path, newLogger())

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(entry(i)); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	reloaded, err := Open(path, newLogger()).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded) != n {
		t.Fatalf("expected %d entries, got %d", n, len(reloaded))
	}
	seen := make(map[string]bool, n)
	for _, e := range reloaded {
		seen[e.Text] = true
	}
	if len(seen) != n {
		t.Fatalf("lost entries: %d distinct of %d", len(seen), n)
	}
}

func TestAppendPreservesForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	a := Open(path, newLogger())
	b := Open(path, newLogger())
	if _, err := a.Append(entry(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(entry(2)); err != nil {
		t.Fatal(err)
	}
	all, err := a.Append(entry(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(texts(all)); got != "[T1 T2 T3]" {
		t.Fatalf("unexpected history %s", got)
	}
}
