package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opnctl/iacengine/pkg/iac"
	"github.com/opnctl/iacengine/pkg/iac/registry"
	"github.com/opnctl/iacengine/pkg/iac/risk"
	"github.com/opnctl/iacengine/pkg/iac/store"
	"github.com/opnctl/iacengine/pkg/iac/types"
	"github.com/opnctl/iacengine/pkg/telemetry"
)

var dbPath string

// Execute runs the root command, installing a process-lifetime
// TracerProvider before any command runs and flushing it on the way out.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	shutdown, err := telemetry.NewTracerProvider(ctx, tracingConfigFromEnv(), version)
	if err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		serveMetrics(addr)
	}

	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// serveMetrics starts the Prometheus /metrics endpoint in the background.
// iacctl is a one-shot CLI, not a daemon, so a scrape happening to land
// between invocations is expected; this just gives a wrapping supervisor
// (a cron sidecar, a scheduled pipeline) somewhere to point a scraper at.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

// tracingConfigFromEnv lets an operator point traces at a collector without
// a config file: unset or "stdout" prints spans to stdout, "otlp" ships them
// to OTEL_EXPORTER_OTLP_ENDPOINT, "none" disables tracing entirely.
func tracingConfigFromEnv() telemetry.TracingConfig {
	cfg := telemetry.DefaultTracingConfig()
	switch os.Getenv("TRACE_EXPORTER") {
	case "otlp":
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false"
	case "none":
		cfg.Enabled = false
		cfg.Exporter = "none"
	}
	return cfg
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "iacctl",
		Short: "Control-plane CLI for the OPNsense Infrastructure-as-Code engine",
		Long: `iacctl drives deployments of VLANs, firewall rules, NAT rules and other
OPNsense objects through a plan/apply/destroy lifecycle: it diffs desired
state against the engine's state store, builds a risk-annotated execution
plan, and applies it with bounded concurrency and automatic rollback on
failure.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "iacengine.db", "path to the state database")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newTypesCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDeploymentsCommand())

	return rootCmd
}

// app holds the wired-together engine used by every command.
type app struct {
	iac   *iac.IaC
	store store.Store
}

func openApp(ctx context.Context) (*app, func(), error) {
	st, err := store.Open(ctx, store.Config{Path: dbPath})
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}
	if err := st.Recover(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("recovering state store: %w", err)
	}

	reg := registry.New()
	effectors := builtinEffectors()
	if err := registry.Bootstrap(reg, effectors); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("bootstrapping registry: %w", err)
	}

	analyzer, err := risk.New(ctx)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("compiling risk analyzer: %w", err)
	}

	publisher, err := telemetry.NewEventPublisher(telemetry.DefaultConfig())
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("starting event publisher: %w", err)
	}
	publisher.Subscribe(logEvent, nil)
	bus := iac.NewTelemetryBus(publisher)

	engine := iac.New(reg, analyzer, st, bus)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = publisher.Shutdown(shutdownCtx)
		_ = st.Close()
	}
	return &app{iac: engine, store: st}, cleanup, nil
}

const shutdownTimeout = 2 * time.Second

// logEvent is the default event subscriber: every wave/change/rollback
// notification from the engine gets a structured log line instead of
// vanishing into an unobserved buffer.
func logEvent(event types.Event) {
	entry := log.Info()
	switch event.Severity {
	case "warn":
		entry = log.Warn()
	case "error":
		entry = log.Error()
	}
	entry.
		Str("deployment", event.DeploymentName).
		Str("resourceId", event.ResourceID).
		Interface("data", event.Data).
		Msg(event.Type)
}
