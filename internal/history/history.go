// Package history persists completed transcriptions as a JSON array on disk
// and serves the most-recent window to the presentation layer.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrCorruptHistory means the file exists but is not a valid history array.
	ErrCorruptHistory = errors.New("transcription history is corrupt")
	// ErrPersist means an append could not be written. The file on disk is
	// left as it was.
	ErrPersist = errors.New("transcription history persist failed")
	// ErrIndexOutOfRange is returned by EntryAt for a position outside the
	// displayed window.
	ErrIndexOutOfRange = errors.New("history index out of range")
)

// Timestamps are written as RFC 3339. Older files may carry naive ISO-8601
// local times, with or without fractional seconds.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Entry is one completed transcription.
type Entry struct {
	Timestamp  time.Time
	Text       string
	SourcePath string
}

type entryJSON struct {
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	File      string `json:"file"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Text:      e.Text,
		File:      e.SourcePath,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*e = Entry{Timestamp: ts, Text: raw.Text, SourcePath: raw.File}
	return nil
}

// ParseTimestamp accepts every layout the store reads.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}

// Store owns the history file. All mutations are serialized on mu and every
// successful write replaces the file atomically.
type Store struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	entries []Entry

	// writeFile is swapped in tests to simulate disk failures.
	writeFile func(path string, data []byte) error
}

func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:      path,
		log:       logger.With(slog.String("component", "history")),
		writeFile: WriteFileAtomic,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the file into memory. A missing or empty file is an empty
// history. On ErrCorruptHistory the in-memory view is left untouched.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	s.log.Debug("history loaded", slog.Int("entries", len(entries)), slog.String("path", s.path))
	return cloneEntries(entries), nil
}

// Append adds entry to the end of the file. The file is re-read under the
// lock so entries written by another store on the same path are preserved.
func (s *Store) Append(entry Entry) ([]Entry, error) {
	if entry.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: entry has no timestamp", ErrPersist)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		if !errors.Is(err, ErrCorruptHistory) {
			return nil, err
		}
		// Never overwrite a file we could not parse.
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	next := make([]Entry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, entry)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	s.entries = next
	s.log.Info("history entry appended",
		slog.Int("entries", len(next)),
		slog.String("source", entry.SourcePath))
	return cloneEntries(next), nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.entries, n)
}

// EntryAt resolves a position in the Recent(window) list to its entry.
// Position 0 is the newest entry.
func (s *Store) EntryAt(index, window int) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shown := min(window, len(s.entries))
	if index < 0 || index >= shown {
		return Entry{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, shown)
	}
	return s.entries[len(s.entries)-1-index], nil
}

// Entries returns a copy of the full history, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.entries)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) read() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCorruptHistory, s.path, err)
	}
	return Decode(data)
}

// Decode parses a history document. Whitespace-only input is an empty history.
func Decode(data []byte) ([]Entry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptHistory, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after array", ErrCorruptHistory)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: expected array, got null", ErrCorruptHistory)
	}
	return entries, nil
}

func recent(entries []Entry, n int) []Entry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	n = min(n, len(entries))
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= len(entries)-n; i-- {
		out = append(out, entries[i])
	}
	return out
}

func cloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// WriteFileAtomic replaces path with data through a synced temp file in the
// same directory, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
