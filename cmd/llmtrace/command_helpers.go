package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/trace"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config, lets override adjust it before
// validation, and reports which stage failed.
func loadAndValidateConfig(configPath string, override func(*config.Config)) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if override != nil {
		override(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// configFailure wraps a loadAndValidateConfig error for the failed stage.
func configFailure(stage string, err error) error {
	if stage == configStageLoad {
		return failf("failed to load config: %w", err)
	}
	return failf("config is invalid: %w", err)
}

func storeOptions(cfg config.Config) trace.Options {
	return trace.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
		Fsync:  cfg.Storage.Fsync,
	}
}

func openTraceStore(cfg config.Config) (trace.Store, error) {
	store, err := trace.Open(storeOptions(cfg))
	if err != nil {
		return nil, failf("failed to open %s trace store: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

func closeTraceStoreWithWarning(store trace.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}
