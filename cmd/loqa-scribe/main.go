package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logPath     string
		noAltScreen bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "scribe.yaml", "Path to configuration file")
	flag.StringVar(&logPath, "log-file", "", "Write logs to this file instead of stderr")
	flag.BoolVar(&noAltScreen, "no-alt-screen", false, "Draw the UI inline instead of on the alternate screen")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// The default config file is optional; an explicit one is not.
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if !explicit {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			configPath = ""
		}
	}

	// stdout belongs to the UI.
	logOut := os.Stderr
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(logOut, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	var opts []runtime.Option
	if !noAltScreen {
		opts = append(opts, runtime.WithAltScreen())
	}
	if cfg.LogLevel() == slog.LevelDebug {
		opts = append(opts, runtime.WithTraceOutput(logOut))
	}
	rt := runtime.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
