// Package main implements the entry point for the EDI gateway: the B2B
// message exchange for the electricity market, covering inbound document
// validation, per-actor outgoing mailboxes and the enqueue fan-out that
// distributes calculation results.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/gateway"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/health"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/mailbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/masterdata"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/orchestrate"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/resultstore"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/validate"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "edigateway"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting EDI gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	client, err := connectNATS(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	deps, err := buildDependencies(signalCtx, cfg, client, logger)
	if err != nil {
		return err
	}

	if err := deps.consumer.Start(signalCtx); err != nil {
		return fmt.Errorf("start calculation consumer: %w", err)
	}
	deps.health.Set("consumer", health.StatusUp, "")

	return serveHTTP(signalCtx, cfg, deps, logger)
}

// connectNATS creates the NATS client and waits for the connection.
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithReconnects(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait))
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// dependencies holds the wired application components.
type dependencies struct {
	server      *gateway.Server
	adminServer *gateway.AdminServer
	consumer    *orchestrate.Consumer
	health      *health.Registry
}

// buildDependencies provisions streams and buckets and wires every
// component of the gateway.
func buildDependencies(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (*dependencies, error) {
	if err := provisionStreams(ctx, client); err != nil {
		return nil, err
	}

	buckets, err := provisionBuckets(ctx, client)
	if err != nil {
		return nil, err
	}

	metrics := metric.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	healthReg := health.NewRegistry()
	healthReg.Set("nats", health.StatusUp, "")

	bundleStore, err := mailbox.NewStore(client.NewKVStore(buckets.bundles))
	if err != nil {
		return nil, fmt.Errorf("create bundle store: %w", err)
	}
	policy := mailbox.Policy{
		MaxMessages: cfg.Bundling.MaxMessages,
		MaxBytes:    cfg.Bundling.MaxBytes,
	}
	builder, err := mailbox.NewBuilder(bundleStore, policy, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create bundle builder: %w", err)
	}
	mb, err := mailbox.NewMailbox(bundleStore, logger)
	if err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}

	jobStore, err := orchestrate.NewJobStore(client.NewKVStore(buckets.jobs))
	if err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}
	results, err := resultstore.NewStore(client.NewKVStore(buckets.results))
	if err != nil {
		return nil, fmt.Errorf("create result store: %w", err)
	}
	actors, err := masterdata.NewRegistry(client.NewKVStore(buckets.actors))
	if err != nil {
		return nil, fmt.Errorf("create actor registry: %w", err)
	}

	orchCfg := orchestrate.DefaultConfig()
	orchCfg.Workers = cfg.Fanout.Workers
	orchCfg.RetryBudget = cfg.Fanout.RetryBudget
	orchestrator, err := orchestrate.NewOrchestrator(jobStore, builder, results, orchCfg, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	consumer, err := orchestrate.NewConsumer(client, orchestrator, logger)
	if err != nil {
		return nil, fmt.Errorf("create calculation consumer: %w", err)
	}

	validator, err := validate.NewValidator(actors, logger)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	dispatcher, err := validate.NewNATSDispatcher(client)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	server, err := gateway.NewServer(validator, dispatcher, mb, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway server: %w", err)
	}
	adminServer, err := gateway.NewAdminServer(orchestrator, healthReg, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create admin server: %w", err)
	}

	return &dependencies{
		server:      server,
		adminServer: adminServer,
		consumer:    consumer,
		health:      healthReg,
	}, nil
}

// provisionStreams creates the JetStream streams the gateway uses.
func provisionStreams(ctx context.Context, client *natsclient.Client) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      validate.TransactionStream,
			Subjects:  []string{validate.TransactionSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
		},
		{
			Name:      orchestrate.CalculationStream,
			Subjects:  []string{orchestrate.CalculationSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
		},
	}
	for _, sc := range streams {
		if _, err := client.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("provision stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

type buckets struct {
	bundles jetstream.KeyValue
	jobs    jetstream.KeyValue
	results jetstream.KeyValue
	actors  jetstream.KeyValue
}

// provisionBuckets creates the KV buckets the gateway uses.
func provisionBuckets(ctx context.Context, client *natsclient.Client) (*buckets, error) {
	var b buckets
	for _, spec := range []struct {
		name   string
		target *jetstream.KeyValue
	}{
		{mailbox.BundleBucket, &b.bundles},
		{orchestrate.JobBucket, &b.jobs},
		{resultstore.ResultBucket, &b.results},
		{masterdata.ActorBucket, &b.actors},
	} {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: spec.name})
		if err != nil {
			return nil, fmt.Errorf("provision bucket %s: %w", spec.name, err)
		}
		*spec.target = bucket
	}
	return &b, nil
}

// serveHTTP runs the public and admin listeners until the context is
// cancelled, then shuts both down gracefully.
func serveHTTP(ctx context.Context, cfg *config.Config, deps *dependencies, logger *slog.Logger) error {
	public := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           deps.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.HTTP.AdminAddr,
		Handler:           deps.adminServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Public listener started", "addr", public.Addr)
		if err := public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()
	go func() {
		logger.Info("Admin listener started", "addr", admin.Addr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()
	deps.health.Set("http", health.StatusUp, "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Error("Public listener shutdown failed", "error", err)
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin listener shutdown failed", "error", err)
	}
	logger.Info("EDI gateway shutdown complete")
	return nil
}
