package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Capture     CaptureConfig    `yaml:"capture"`
	History     HistoryConfig    `yaml:"history"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

// CaptureConfig selects the microphone source. The PCM format itself is fixed.
type CaptureConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	OutputDir string `yaml:"output_dir"`
}

type HistoryConfig struct {
	Path   string `yaml:"path"`
	Recent int    `yaml:"recent"`
}

type GatewayConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, http
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	ExtractCommand string `yaml:"extract_command"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Capture: CaptureConfig{
			Mode:      "mock",
			Command:   "ffmpeg -loglevel error -f alsa -i default -ac 1 -ar 44100 -f s16le -",
			OutputDir: ".",
		},
		History: HistoryConfig{
			Path:   "transcript_history.json",
			Recent: 5,
		},
		Gateway: GatewayConfig{
			Mode:           "mock",
			Endpoint:       "https://api.openai.com/v1/audio/transcriptions",
			Model:          "whisper-1",
			TimeoutMS:      300000,
			ExtractCommand: "ffmpeg",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LogLevel maps telemetry.log_level onto a slog level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Telemetry.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "SCRIBE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.OutputDir, "SCRIBE_CAPTURE_OUTPUT_DIR")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideInt(&cfg.History.Recent, "SCRIBE_HISTORY_RECENT")
	overrideString(&cfg.Gateway.Mode, "SCRIBE_GATEWAY_MODE")
	overrideString(&cfg.Gateway.Command, "SCRIBE_GATEWAY_COMMAND")
	overrideString(&cfg.Gateway.Endpoint, "SCRIBE_GATEWAY_ENDPOINT")
	overrideString(&cfg.Gateway.APIKey, "SCRIBE_GATEWAY_API_KEY")
	overrideString(&cfg.Gateway.Model, "SCRIBE_GATEWAY_MODEL")
	overrideString(&cfg.Gateway.Language, "SCRIBE_GATEWAY_LANGUAGE")
	overrideInt(&cfg.Gateway.TimeoutMS, "SCRIBE_GATEWAY_TIMEOUT_MS")
	overrideString(&cfg.Gateway.ExtractCommand, "SCRIBE_GATEWAY_EXTRACT_COMMAND")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && strings.TrimSpace(cfg.Capture.Command) == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.OutputDir == "" {
		return errors.New("capture.output_dir must not be empty")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.Recent <= 0 {
		return errors.New("history.recent must be >= 1")
	}
	switch cfg.Gateway.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("gateway.mode must be one of mock|exec|http")
	}
	if cfg.Gateway.Mode == "exec" && strings.TrimSpace(cfg.Gateway.Command) == "" {
		return errors.New("gateway.command must be set when mode=exec")
	}
	if cfg.Gateway.Mode == "http" {
		if cfg.Gateway.Endpoint == "" {
			return errors.New("gateway.endpoint must be set when mode=http")
		}
		if cfg.Gateway.Model == "" {
			return errors.New("gateway.model must be set when mode=http")
		}
	}
	if cfg.Gateway.TimeoutMS < 0 {
		return errors.New("gateway.timeout_ms must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
