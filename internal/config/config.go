// Package config loads hub configuration from an optional YAML file and
// HUB_* environment variables, in that order of precedence (env wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-hub/event"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "HUB_"

// Bus kinds
const (
	BusRabbitMQ = "rabbitmq"
	BusNATS     = "nats"
	BusMemory   = "memory"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete hub configuration
type Config struct {
	HTTP        HTTPConfig         `yaml:"http"`
	Bus         BusConfig          `yaml:"bus"`
	Bridge      BridgeConfig       `yaml:"bridge"`
	Reliability ReliabilityConfig  `yaml:"reliability"`
	Events      []event.Definition `yaml:"events"`
	Log         LogConfig          `yaml:"log"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// HTTPConfig configures the gateway listener
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// BusConfig selects and configures the message bus
type BusConfig struct {
	Kind     string `yaml:"kind" env:"KIND"`
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
}

// BridgeConfig configures request/reply correlation
type BridgeConfig struct {
	InboundTopic string        `yaml:"inbound_topic" env:"INBOUND_TOPIC"`
	IDField      string        `yaml:"id_field" env:"ID_FIELD"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxPending   int           `yaml:"max_pending" env:"MAX_PENDING"`
}

// ReliabilityConfig configures the publish circuit breaker and retries.
// A zero FailureThreshold disables the breaker; zero PublishRetries disables retries.
type ReliabilityConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	PublishRetries   int           `yaml:"publish_retries" env:"PUBLISH_RETRIES"`
	RetryDelay       time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig toggles GET /metrics
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            "localhost:8080",
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Bus: BusConfig{
			Kind:     BusMemory,
			Exchange: "hub.events",
		},
		Bridge: BridgeConfig{
			InboundTopic: "/outbound",
			IDField:      "id",
			Timeout:      2 * time.Second,
			MaxPending:   1000,
		},
		Reliability: ReliabilityConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			PublishRetries:   0,
			RetryDelay:       100 * time.Millisecond,
		},
		Events: event.DefaultDefinitions(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when path
// is empty) and then with environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv parses each section under its own prefix. The events catalog is
// file-only.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"HTTP_", &cfg.HTTP},
		{"BUS_", &cfg.Bus},
		{"BRIDGE_", &cfg.Bridge},
		{"RELIABILITY_", &cfg.Reliability},
		{"LOG_", &cfg.Log},
		{"METRICS_", &cfg.Metrics},
	}

	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("config: parse env: %w", err)
		}
	}
	return nil
}

// Validate checks field ranges and builds the catalog once to reject bad event lists
func (c Config) Validate() error {
	var problems []string

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		problems = append(problems, "http.max_body_bytes must be positive")
	}

	switch c.Bus.Kind {
	case BusMemory:
	case BusRabbitMQ, BusNATS:
		if c.Bus.URL == "" {
			problems = append(problems, fmt.Sprintf("bus.url is required for %s", c.Bus.Kind))
		}
	default:
		problems = append(problems, fmt.Sprintf("bus.kind %q is not one of rabbitmq, nats, memory", c.Bus.Kind))
	}
	if c.Bus.Kind == BusRabbitMQ && c.Bus.Exchange == "" {
		problems = append(problems, "bus.exchange is required for rabbitmq")
	}

	if !strings.HasPrefix(c.Bridge.InboundTopic, "/") {
		problems = append(problems, "bridge.inbound_topic must start with /")
	}
	if c.Bridge.IDField == "" {
		problems = append(problems, "bridge.id_field is required")
	}
	if c.Bridge.Timeout <= 0 {
		problems = append(problems, "bridge.timeout must be positive")
	}
	if c.Bridge.MaxPending < 0 {
		problems = append(problems, "bridge.max_pending must not be negative")
	}

	if c.Reliability.FailureThreshold < 0 || c.Reliability.PublishRetries < 0 {
		problems = append(problems, "reliability values must not be negative")
	}

	if _, err := c.Catalog(); err != nil {
		problems = append(problems, err.Error())
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Catalog builds the event catalog
func (c Config) Catalog() (*event.Catalog, error) {
	if len(c.Events) == 0 {
		return nil, errors.New("events catalog is empty")
	}
	return event.NewCatalog(c.Events...)
}

// NewLogger builds a slog logger writing to w
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q is not debug, info, warn or error", s)
	}
	return level, nil
}
