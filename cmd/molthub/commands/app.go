package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/tomer-shavit/molthub-sub010/pkg/adapters"
	"github.com/tomer-shavit/molthub-sub010/pkg/drift"
	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/gateway"
	"github.com/tomer-shavit/molthub-sub010/pkg/manifest"
	"github.com/tomer-shavit/molthub-sub010/pkg/preprocess"
	"github.com/tomer-shavit/molthub-sub010/pkg/reconcile"
	"github.com/tomer-shavit/molthub-sub010/pkg/secrets"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
	"github.com/tomer-shavit/molthub-sub010/pkg/telemetry"
)

// passphraseEnv names the environment variable holding the secret store
// passphrase. Never a flag: flags leak into shell history and process lists.
const passphraseEnv = "MOLTHUB_SECRETS_PASSPHRASE"

// gatewayTokenKey is the per-instance secret key holding the channel
// credential presented on the gateway handshake.
const gatewayTokenKey = "gateway_token"

// app is the assembled control plane. Commands build what they need through
// it and close it when done.
type app struct {
	telemetry *telemetry.Config
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	store    *stores.SQLiteStore
	secrets  *secrets.LocalStore
	registry *adapters.Registry
	pipeline *preprocess.Pipeline

	manifests *manifest.Engine
	loader    *manifest.Loader
	engine    *reconcile.Engine
	detector  *drift.Detector
}

// appOptions tunes what buildApp assembles beyond the base stack.
type appOptions struct {
	// gatewayURLTemplate formats an instance ID into its websocket endpoint.
	gatewayURLTemplate string

	// enableMetrics registers the Prometheus collectors.
	enableMetrics bool

	// enableTracing installs the OTel tracer provider.
	enableTracing bool
}

func buildApp(ctx context.Context, version string, opts appOptions) (*app, error) {
	cfg := telemetry.DefaultConfig()
	if production {
		cfg = telemetry.ProductionConfig()
	}
	cfg.ServiceVersion = version
	cfg.Metrics.Enabled = opts.enableMetrics
	cfg.Tracing.Enabled = opts.enableTracing
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zlog := logger.Zerolog()

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		_ = store.Close()
		return nil, fmt.Errorf("%s is not set", passphraseEnv)
	}
	secretStore, err := secrets.NewLocalStore(secrets.LocalConfig{
		Dir:        secretsDir,
		Passphrase: passphrase,
	}, zlog)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := adapters.NewRegistry(zlog)
	if err := adapters.RegisterBuiltins(registry, adapters.BuiltinConfig{}, zlog); err != nil {
		_ = store.Close()
		return nil, err
	}

	policies, err := manifest.NewPolicyEngine(zlog)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	loader := manifest.NewLoader(policies, zlog)
	if policyDir != "" {
		if err := loader.LoadDirectory(policyDir); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load policies from %s: %w", policyDir, err)
		}
	}

	pipeline := preprocess.NewPipeline(zlog)
	manifests := manifest.NewEngine(store, policies, zlog)
	engine := reconcile.NewEngine(store, pipeline, registry, secretStore, reconcile.Config{}, metrics, tracer, zlog)
	manifests.SetTrigger(engine)

	a := &app{
		telemetry: cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		store:     store,
		secrets:   secretStore,
		registry:  registry,
		pipeline:  pipeline,
		manifests: manifests,
		loader:    loader,
		engine:    engine,
	}
	a.detector = drift.NewDetector(store, a.gatewayFactory(opts.gatewayURLTemplate), drift.DefaultConfig(), metrics, zlog)
	return a, nil
}

// gatewayFactory opens a connected gateway client for one instance, using
// the per-instance channel token from the secret store.
func (a *app) gatewayFactory(urlTemplate string) drift.ReaderFactory {
	if urlTemplate == "" {
		urlTemplate = "ws://127.0.0.1:8081/agents/%s/channel"
	}
	zlog := a.logger.Zerolog()

	return func(ctx context.Context, inst *fleet.Instance) (drift.ConfigReader, error) {
		token, err := a.secrets.Get(ctx, inst.ID, gatewayTokenKey)
		if err != nil {
			return nil, err
		}

		cfg := gateway.DefaultClientConfig(inst.ID)
		cfg.Token = token
		// One-shot check: reconnection belongs to long-lived clients.
		cfg.Reconnect.Enabled = false

		client := gateway.NewClient(cfg, gateway.WebsocketDialer(fmt.Sprintf(urlTemplate, inst.ID), nil), zlog)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (a *app) Close(ctx context.Context) {
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
