package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/config"
	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/orchestrator"
	"github.com/openfroyo/stagecraft/pkg/policy"
	"github.com/openfroyo/stagecraft/pkg/providers"
	"github.com/openfroyo/stagecraft/pkg/providers/local"
	"github.com/openfroyo/stagecraft/pkg/providers/sshhost"
	"github.com/openfroyo/stagecraft/pkg/runtime/docker"
	"github.com/openfroyo/stagecraft/pkg/stores"
	"github.com/openfroyo/stagecraft/pkg/telemetry"
	"github.com/openfroyo/stagecraft/pkg/transports/ssh"
)

// appOptions tune the orchestrator for one command.
type appOptions struct {
	refresh     bool
	prune       bool
	maxParallel int
	maxDeletes  int
	insecureSSH bool
}

// app is everything one invocation wires together.
type app struct {
	paths   config.ProjectPaths
	flow    *model.Flow
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	runtime *docker.Runtime
	ssh     *sshhost.Provider
	policy  *policy.Engine
	orch    *orchestrator.Orchestrator
	logger  zerolog.Logger
}

// loadPaths resolves the project layout from the global flags.
func loadPaths() (config.ProjectPaths, error) {
	return config.ResolvePaths(projectDir, configFiles)
}

// loadFlow decodes and merges the configuration without finalizing it.
func loadFlow(paths config.ProjectPaths, logger zerolog.Logger) (*model.Flow, error) {
	loader, err := config.NewLoader(paths, logger)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

// newTelemetry builds the logger, tracer, metrics and progress publisher.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if traceOutput != "" && traceOutput != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceOutput
	}
	return telemetry.NewTelemetry(cfg)
}

// openStore opens the project's state database, creating the state
// directory first.
func openStore(ctx context.Context, paths config.ProjectPaths, tel *telemetry.Telemetry) (*stores.SQLiteStore, error) {
	if err := paths.EnsureStateDir(); err != nil {
		return nil, err
	}
	logger := tel.Logger.NewComponentLogger("state-store").Zerolog()
	cfg := stores.Config{
		Path:   paths.StateDB,
		Logger: logger,
		OnLockWait: func(scope string, waited time.Duration, err error) {
			tel.Metrics.ObserveLockWait(scope, waited, err)
		},
	}
	return stores.Open(ctx, cfg)
}

// newApp wires the orchestrator: providers, runtime, policy gate, store
// and telemetry.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	paths, err := loadPaths()
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry()
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a := &app{paths: paths, tel: tel, logger: tel.Logger.Zerolog()}

	a.flow, err = loadFlow(paths, a.logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.store, err = openStore(ctx, paths, tel); err != nil {
		a.close(ctx)
		return nil, err
	}
	tel.Events.Subscribe(telemetry.PersistTo(a.store, a.logger), nil)

	registry, err := a.providers(opts)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.runtime, err = docker.NewFromEnv(a.logger); err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.policy, err = a.policyEngine(ctx, opts); err != nil {
		a.close(ctx)
		return nil, err
	}

	if metricsAddr != "" {
		go func() {
			if err := tel.Metrics.Serve(ctx, metricsAddr, a.logger); err != nil {
				a.logger.Warn().Err(err).Str("addr", metricsAddr).Msg("Metrics endpoint stopped")
			}
		}()
	}

	a.orch, err = orchestrator.New(orchestrator.Options{
		Flow:        a.flow,
		Paths:       paths,
		Runtime:     a.runtime,
		Prober:      a.runtime,
		Providers:   registry,
		Store:       a.store,
		Policy:      a.policy,
		Sink:        tel.Events,
		Runs:        tel.Metrics,
		MaxParallel: opts.maxParallel,
		Refresh:     opts.refresh,
		Prune:       opts.prune,
		Scheduler: engine.SchedulerOptions{
			MaxParallel: opts.maxParallel,
		},
		Logger: a.logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// providers registers every built-in provider, instrumented.
func (a *app) providers(opts appOptions) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	localProvider := local.New(a.paths.InventoryDir, a.logger)
	if err := registry.Register(local.ProviderID, providers.Instrument(local.ProviderID, localProvider, a.tel.Metrics)); err != nil {
		return nil, err
	}

	sshOpts := sshhost.Options{
		InsecureIgnoreHostKey: opts.insecureSSH,
		Index:                 providers.NewInventory(a.paths.InventoryDir),
		Logger:                a.logger,
	}
	if keyPath := filepath.Join(a.paths.KeysDir, ssh.DefaultKeyName); fileExists(keyPath) {
		sshOpts.KeyPath = keyPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		if knownHosts := filepath.Join(home, ".ssh", "known_hosts"); fileExists(knownHosts) {
			sshOpts.KnownHostsPath = knownHosts
		}
	}
	sshProvider, err := sshhost.New(sshOpts)
	if err != nil {
		return nil, err
	}
	a.ssh = sshProvider
	if err := registry.Register(sshhost.ProviderID, providers.Instrument(sshhost.ProviderID, sshProvider, a.tel.Metrics)); err != nil {
		return nil, err
	}

	return registry, nil
}

// policyEngine loads the built-in policies plus any in the project's
// policy directory.
func (a *app) policyEngine(ctx context.Context, opts appOptions) (*policy.Engine, error) {
	gate, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if fileExists(a.paths.PolicyDir) {
		if err := gate.LoadPolicies(ctx, []string{a.paths.PolicyDir}); err != nil {
			return nil, err
		}
	}
	if opts.maxDeletes > 0 {
		if err := gate.SetParam(ctx, "max_deletes", opts.maxDeletes); err != nil {
			return nil, err
		}
	}
	return gate, nil
}

// close drains progress events into the store before closing it.
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(shutdownCtx))
	}
	if a.ssh != nil {
		errs = append(errs, a.ssh.Close())
	}
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release resources cleanly")
	}
}

// instrument starts a span and an operation logger for one stage
// command. The telemetry travels in the returned context.
func (a *app) instrument(ctx context.Context, operation, stage string) *telemetry.InstrumentedContext {
	scope := a.orch.Scope(stage)
	ic := telemetry.StartOperation(a.tel.WithContext(ctx), operation, telemetry.AttrScope.String(scope))
	ic.Logger = ic.Logger.WithScope(scope)
	return ic
}

// finishRun logs a run's outcome and ends its span.
func finishRun(ic *telemetry.InstrumentedContext, runID string, status engine.RunStatus, err error) {
	if runID != "" {
		ic.Span.SetAttributes(telemetry.AttrRunID.String(runID))
		logger := ic.Logger.WithRunID(runID).
			WithField("status", status).
			WithField("duration", time.Since(ic.Started).String())
		if status == engine.RunStatusSucceeded {
			logger.Info("Run finished")
		} else {
			logger.Warn("Run did not succeed")
		}
	}
	ic.End(err)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
