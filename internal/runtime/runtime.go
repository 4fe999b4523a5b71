package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/gateway"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/scribe"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/tui"
)

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	in        io.Reader
	out       io.Writer
	altScreen bool
	traceOut  io.Writer

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	bus *bus.Client
}

type Option func(*Runtime)

// WithTerminal sets where key presses are read from and where the UI is drawn.
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(r *Runtime) {
		r.in = in
		r.out = out
	}
}

// WithAltScreen draws the UI on the terminal's alternate screen.
func WithAltScreen() Option {
	return func(r *Runtime) { r.altScreen = true }
}

// WithTraceOutput sends stdout-exporter spans to w. By default spans are
// only exported when an OTLP endpoint is configured.
func WithTraceOutput(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.addr.Store("")
	return r
}

// Addr is the HTTP listen address once Start has bound it.
func (r *Runtime) Addr() string {
	return r.addr.Load().(string)
}

// Start wires every component and blocks until ctx ends or the UI quits.
// Shutdown stops any active recording and waits for in-flight transcriptions
// before releasing resources.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}()

	embedded, publisher, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	defer r.bus.Close()

	sc, ui, err := r.buildScribe(journal, publisher)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	addr := listener.Addr().String()
	r.addr.Store(addr)
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := sc.Run(ctx); err != nil {
			r.logger.Error("scribe loop failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		if err := ui.Run(ctx, sc); err != nil {
			r.logger.Error("ui failed", slog.String("error", err.Error()))
		}
		cancel()
	}()

	// A corrupt file is reported on screen and left as it is.
	if err := sc.LoadHistory(); err != nil {
		r.logger.Warn("history not loaded", slog.String("path", r.cfg.History.Path), slog.String("error", err.Error()))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	<-loopDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus(ctx context.Context) (*natsserver.EmbeddedServer, scribe.Publisher, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	r.bus = client
	return embedded, client, nil
}

func (r *Runtime) buildScribe(journal *eventstore.Store, publisher scribe.Publisher) (*scribe.Scribe, *tui.UI, error) {
	device, err := r.captureDevice()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(r.cfg.Capture.OutputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create capture output dir: %w", err)
	}
	capture := audio.NewCapture(device, r.cfg.Capture.OutputDir, r.logger)

	gw, err := gateway.New(r.cfg.Gateway)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build transcription gateway: %w", err)
	}

	var uiOpts []tui.Option
	if r.altScreen {
		uiOpts = append(uiOpts, tui.WithAltScreen())
	}
	ui := tui.New(r.in, r.out, r.logger, uiOpts...)
	sc, err := scribe.New(scribe.Options{
		Session:   session.New(capture, r.logger),
		History:   history.Open(r.cfg.History.Path, r.logger),
		Gateway:   gw,
		Presenter: ui,
		Journal:   journal,
		Publisher: publisher,
		Window:    r.cfg.History.Recent,
		Logger:    r.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sc, ui, nil
}

func (r *Runtime) captureDevice() (audio.Device, error) {
	switch r.cfg.Capture.Mode {
	case "exec":
		device, err := audio.NewExecDevice(r.cfg.Capture.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to build capture device: %w", err)
		}
		return device, nil
	default:
		return audio.NewToneDevice(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
