package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type UpstreamConfig struct {
	BaseURL        string               `yaml:"base_url"`
	ChatPath       string               `yaml:"chat_path"`
	TimeoutMS      int                  `yaml:"timeout_ms"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled                bool `yaml:"enabled"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	OpenTimeoutMS          int  `yaml:"open_timeout_ms"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Fsync  bool   `yaml:"fsync"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	OTel    OTelConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	StorageDriverJSONL    = "jsonl"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

const (
	defaultUpstreamBaseURL            = "https://api.openai.com"
	defaultChatPath                   = "/v1/chat/completions"
	defaultUpstreamTimeoutMS          = 300000
	defaultBreakerFailures            = 5
	defaultBreakerOpenTimeoutMS       = 30000
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "llmtrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Upstream: UpstreamConfig{
			BaseURL:   defaultUpstreamBaseURL,
			ChatPath:  defaultChatPath,
			TimeoutMS: defaultUpstreamTimeoutMS,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:                false,
				MaxConsecutiveFailures: defaultBreakerFailures,
				OpenTimeoutMS:          defaultBreakerOpenTimeoutMS,
			},
		},
		Storage: StorageConfig{
			Driver: StorageDriverJSONL,
			Path:   "./data/traces.jsonl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path over Default() and then applies
// environment overrides. A missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown keys and trailing YAML documents.
func decodeStrict(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if err := validateUpstream(cfg.Upstream); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case StorageDriverJSONL, StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of jsonl, sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of json, text (got %q)", cfg.Logging.Format)
	}

	if cfg.Observability.Metrics.Enabled {
		path := strings.TrimSpace(cfg.Observability.Metrics.Path)
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("observability.metrics.path must start with '/' (got %q)", cfg.Observability.Metrics.Path)
		}
		if path == "/health" || path == strings.TrimRight(cfg.Upstream.ChatPath, "/") {
			return fmt.Errorf("observability.metrics.path %q collides with a proxy route", path)
		}
	}
	return validateOTelConfig(cfg.Observability.OTel)
}

func validateUpstream(cfg UpstreamConfig) error {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return errors.New("upstream.base_url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("upstream.base_url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https (got %q)", cfg.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream.base_url must include host (got %q)", cfg.BaseURL)
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.ChatPath), "/") {
		return fmt.Errorf("upstream.chat_path must start with '/' (got %q)", cfg.ChatPath)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("upstream.timeout_ms must be > 0 (got %d)", cfg.TimeoutMS)
	}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.MaxConsecutiveFailures <= 0 {
			return fmt.Errorf("upstream.circuit_breaker.max_consecutive_failures must be > 0 (got %d)", cfg.CircuitBreaker.MaxConsecutiveFailures)
		}
		if cfg.CircuitBreaker.OpenTimeoutMS <= 0 {
			return fmt.Errorf("upstream.circuit_breaker.open_timeout_ms must be > 0 (got %d)", cfg.CircuitBreaker.OpenTimeoutMS)
		}
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(name string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*dst = value
		}
	}
	setInt := func(name string, dst *int) error {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = v
		return nil
	}
	setBool := func(name string, dst *bool) error {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil
		}
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = v
		return nil
	}

	setString("LLMTRACE_HOST", &cfg.Server.Host)
	setString("LLMTRACE_TARGET", &cfg.Upstream.BaseURL)
	setString("LLMTRACE_CHAT_PATH", &cfg.Upstream.ChatPath)
	setString("LLMTRACE_STORAGE_DRIVER", &cfg.Storage.Driver)
	setString("LLMTRACE_OUTPUT", &cfg.Storage.Path)
	setString("LLMTRACE_STORAGE_DSN", &cfg.Storage.DSN)
	setString("LLMTRACE_LOG_LEVEL", &cfg.Logging.Level)
	setString("LLMTRACE_LOG_FORMAT", &cfg.Logging.Format)
	setString("LLMTRACE_METRICS_PATH", &cfg.Observability.Metrics.Path)

	for _, field := range []struct {
		name string
		dst  *int
	}{
		{"LLMTRACE_PORT", &cfg.Server.Port},
		{"LLMTRACE_UPSTREAM_TIMEOUT_MS", &cfg.Upstream.TimeoutMS},
	} {
		if err := setInt(field.name, field.dst); err != nil {
			return err
		}
	}
	for _, field := range []struct {
		name string
		dst  *bool
	}{
		{"LLMTRACE_STORAGE_FSYNC", &cfg.Storage.Fsync},
		{"LLMTRACE_METRICS_ENABLED", &cfg.Observability.Metrics.Enabled},
		{"LLMTRACE_CIRCUIT_BREAKER_ENABLED", &cfg.Upstream.CircuitBreaker.Enabled},
	} {
		if err := setBool(field.name, field.dst); err != nil {
			return err
		}
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

// applyOTelEnv honors the standard OTEL_* variables. Setting any of them
// enables OpenTelemetry unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false

	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if ratio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); ratio != "" {
		v, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if timeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		configured = true
	}
	if interval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		configured = true
	}

	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
