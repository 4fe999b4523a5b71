package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// EmbeddedServer wraps a NATS server instance so the scribe can publish
// lifecycle events without an external broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server bound to loopback. A port
// of -1 picks a free one.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	opts := &server.Options{
		ServerName: "loqa-scribe",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
