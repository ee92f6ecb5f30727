package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmtrace/internal/api"
	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/observability"
	"github.com/ongoingai/llmtrace/internal/proxy"
	"github.com/ongoingai/llmtrace/internal/trace"
	"github.com/ongoingai/llmtrace/internal/version"
)

const (
	otelShutdownTimeout     = 5 * time.Second
	serverShutdownTimeout   = 5 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 30 * time.Second
	serverIdleTimeout       = 2 * time.Minute
)

type serveFlags struct {
	configPath string
	host       string
	port       int
	target     string
	output     string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracing proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, stage, err := loadAndValidateConfig(flags.configPath, func(cfg *config.Config) {
				applyServeFlags(cmd, flags, cfg)
			})
			if err != nil {
				return configFailure(stage, err)
			}
			return runServe(cmd.Context(), cfg, flags.configPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&flags.host, "host", "", "listen host")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listen port")
	cmd.Flags().StringVarP(&flags.target, "target", "t", "", "upstream base URL")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "trace log path (jsonl and sqlite drivers)")
	return cmd
}

// applyServeFlags lets explicitly set flags win over file and environment.
func applyServeFlags(cmd *cobra.Command, flags serveFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Server.Host = strings.TrimSpace(flags.host)
	}
	if changed("port") {
		cfg.Server.Port = flags.port
	}
	if changed("target") {
		cfg.Upstream.BaseURL = strings.TrimSpace(flags.target)
	}
	if changed("output") {
		cfg.Storage.Path = strings.TrimSpace(flags.output)
	}
}

func runServe(parent context.Context, cfg config.Config, configPath string, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg.Logging, out)

	store, err := openTraceStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close trace store", "error", err)
		}
	}()

	var metrics *observability.Metrics
	routerOptions := api.RouterOptions{
		AppVersion: version.String(),
		ChatPath:   cfg.Upstream.ChatPath,
	}
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
		routerOptions.Metrics = metrics.Handler()
		routerOptions.MetricsPath = cfg.Observability.Metrics.Path
	}

	otelRuntime, otelErr := observability.Setup(parent, cfg.Observability.OTel, version.String(), api.Routes(routerOptions), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	relay, err := proxy.NewRelay(proxy.RelayOptions{
		BaseURL:   cfg.Upstream.BaseURL,
		Path:      cfg.Upstream.ChatPath,
		Timeout:   time.Duration(cfg.Upstream.TimeoutMS) * time.Millisecond,
		Transport: upstreamTransport(cfg.Upstream, otelRuntime, logger),
		Store:     store,
		Logger:    logger,
		Metrics:   newRelayMetrics(metrics, otelRuntime),
	})
	if err != nil {
		return failf("failed to configure relay: %w", err)
	}
	routerOptions.Relay = relay

	handler := otelRuntime.SpanEnrichmentMiddleware(api.NewRouter(routerOptions))
	server := newProxyServer(cfg, logger, otelRuntime.WrapHTTPHandler(proxy.LoggingMiddleware(logger, handler)))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"target", relay.Target(),
		"storage_driver", cfg.Storage.Driver,
		"storage_path", cfg.Storage.Path,
		"config_path", configPath,
		"metrics_enabled", metrics != nil,
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveUntilDone(ctx, server, logger)
}

func serveUntilDone(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return failf("failed to shutdown: %w", err)
		}
		logger.Info("proxy stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return failf("proxy failed: %w", err)
		}
		return nil
	}
}

// newProxyServer leaves WriteTimeout unset so long streams are bounded only
// by the upstream timeout.
func newProxyServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		handler = slog.NewTextHandler(out, options)
	} else {
		handler = slog.NewJSONHandler(out, options)
	}
	return slog.New(observability.NewLogHandler(handler))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// upstreamTransport builds the client transport chain: the optional circuit
// breaker sits below the otel client span so fast failures are still traced.
func upstreamTransport(cfg config.UpstreamConfig, otelRuntime *observability.Runtime, logger *slog.Logger) http.RoundTripper {
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.CircuitBreaker.Enabled {
		transport = proxy.NewBreakerTransport(transport, proxy.BreakerOptions{
			Name:                   "upstream",
			MaxConsecutiveFailures: uint32(cfg.CircuitBreaker.MaxConsecutiveFailures),
			OpenTimeout:            time.Duration(cfg.CircuitBreaker.OpenTimeoutMS) * time.Millisecond,
			Logger:                 logger,
		})
	}
	return otelRuntime.WrapHTTPTransport(transport)
}

// newRelayMetrics fans relay callbacks out to Prometheus and OpenTelemetry.
// Either sink may be nil.
func newRelayMetrics(metrics *observability.Metrics, otelRuntime *observability.Runtime) *proxy.RelayMetrics {
	return &proxy.RelayMetrics{
		OnCall: func(ctx context.Context, stats proxy.CallStats) {
			metrics.ObserveCall(stats.Mode, stats.Outcome, stats.StatusCode, stats.Duration)
			otelRuntime.RecordRelayCall(ctx, stats.Mode, stats.Outcome, stats.StatusCode, stats.Duration)
		},
		OnLineForwarded: func(context.Context) {
			metrics.LineForwarded()
		},
		OnAppend: func(ctx context.Context, err error) {
			if err == nil {
				metrics.AppendSucceeded()
				return
			}
			errorClass := trace.ClassifyWriteError(err)
			metrics.AppendFailed(errorClass)
			otelRuntime.RecordAppendFailure(ctx, errorClass)
		},
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}
