package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/history"
)

var version = "0.1.0-dev"

const defaultFile = "transcript_history.json"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "expected 'recent', 'show', 'validate', 'events' or 'version'")
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var (
		file    string
		n       int
		index   int
		window  int
		db      string
		session string
	)
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&file, "file", defaultFile, "Path to transcription history")

	switch args[0] {
	case "recent":
		fs.IntVar(&n, "n", 5, "Number of entries to list")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		store, err := load(file, logger)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		for i, e := range store.Recent(n) {
			fmt.Fprintf(stdout, "%d\t%s\t%s\n", i, e.Timestamp.Format("2006-01-02 15:04:05"), e.SourcePath)
		}
	case "show":
		fs.IntVar(&index, "index", 0, "Position in the recent list, 0 is newest")
		fs.IntVar(&window, "window", 5, "Size of the recent list")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		store, err := load(file, logger)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		entry, err := store.EntryAt(index, window)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, entry.Text)
	case "validate":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		store, err := load(file, logger)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "history valid (%d entries)\n", store.Len())
	case "events":
		fs.StringVar(&db, "db", config.Default().EventStore.Path, "Path to the event journal")
		fs.IntVar(&n, "n", 10, "Number of sessions to list")
		fs.StringVar(&session, "session", "", "Only show this session")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if err := listEvents(context.Background(), stdout, db, session, n, logger); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	return 0
}

func load(path string, logger *slog.Logger) (*history.Store, error) {
	store := history.Open(path, logger)
	if _, err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

// listEvents prints journal sessions newest first, each followed by its
// lifecycle events in order.
func listEvents(ctx context.Context, w io.Writer, path, only string, n int, logger *slog.Logger) error {
	// Opening creates the database, which a read command must not do.
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("event journal: %w", err)
	}
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "session"}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, n)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		if only != "" && sess.ID != only {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"), sess.Kind, sess.ID)
		events, err := store.ListSessionEvents(ctx, sess.ID, 0)
		if err != nil {
			return fmt.Errorf("list events for %s: %w", sess.ID, err)
		}
		for _, e := range events {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", e.CreatedAt.Format("15:04:05.000"), e.Type, e.Payload)
		}
	}
	return nil
}
