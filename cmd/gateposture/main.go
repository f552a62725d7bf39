// Command gateposture runs the posture decision engine: sqlite-backed
// stores, the seed policy set, scenario-backed signal sources, and the
// HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/api"
	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/config"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/governance"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/observability"
	"github.com/windward-ops/gateposture/pkg/packets"
	"github.com/windward-ops/gateposture/pkg/playbooks"
	"github.com/windward-ops/gateposture/pkg/policy"
	"github.com/windward-ops/gateposture/pkg/signals"
	"github.com/windward-ops/gateposture/pkg/simulation"
	"github.com/windward-ops/gateposture/pkg/sources"
	"github.com/windward-ops/gateposture/pkg/webhooks"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info("database ready", "path", cfg.DatabasePath)

	caseStore, err := cases.NewStore(db)
	if err != nil {
		return err
	}
	graphStore, err := graph.NewStore(db)
	if err != nil {
		return err
	}
	evStore, err := evidence.NewStore(db, cfg.EvidenceRoot)
	if err != nil {
		return err
	}
	polStore, err := policy.NewStore(db)
	if err != nil {
		return err
	}
	if err := policy.Seed(ctx, polStore); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	engine, err := policy.NewEngine(polStore)
	if err != nil {
		return err
	}
	packetStore, err := packets.NewStore(db)
	if err != nil {
		return err
	}
	pbStore, err := playbooks.NewStore(db)
	if err != nil {
		return err
	}
	hooks, err := webhooks.NewRegistry(db)
	if err != nil {
		return err
	}
	dispatcher := webhooks.NewDispatcher(hooks, log)

	governor := governance.NewGovernor(caseStore, log)
	registerExecutors(governor, log)

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	if cfg.BaselinesFile != "" {
		if err := signals.LoadBaselines(cfg.BaselinesFile); err != nil {
			return fmt.Errorf("load movement baselines: %w", err)
		}
		log.Info("movement baselines loaded", "file", cfg.BaselinesFile)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gateposture",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	svc, err := api.NewService(api.Service{
		Cases:      caseStore,
		Graph:      graphStore,
		Evidence:   evStore,
		Policies:   polStore,
		Engine:     engine,
		Governor:   governor,
		Builder:    packets.NewBuilder(caseStore, graphStore, evStore),
		Packets:    packetStore,
		Playbooks:  pbStore,
		Learner:    playbooks.NewLearner(pbStore),
		Registry:   registry,
		Hooks:      hooks,
		Dispatcher: dispatcher,
		Obs:        obs,
		Log:        log,
	})
	if err != nil {
		return err
	}

	limiter := api.NewRateLimiter(20, 40)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(svc.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutCtx)
}

// buildRegistry backs the signal sources with a scenario: either one from
// the configured YAML pack or a built-in.
func buildRegistry(cfg *config.Config, log *slog.Logger) (*sources.Registry, error) {
	registry := sources.NewRegistry(cfg.FetchPoolSize)

	if cfg.ScenarioFile != "" {
		scenarios, err := simulation.LoadFile(cfg.ScenarioFile)
		if err != nil {
			return nil, err
		}
		for i := range scenarios {
			if scenarios[i].Name == cfg.Scenario {
				simulation.Register(registry, &scenarios[i])
				log.Info("scenario loaded", "file", cfg.ScenarioFile, "scenario", cfg.Scenario)
				return registry, nil
			}
		}
		return nil, fmt.Errorf("scenario %q not in %s", cfg.Scenario, cfg.ScenarioFile)
	}

	sc, ok := simulation.Builtin()[cfg.Scenario]
	if !ok {
		return nil, fmt.Errorf("unknown built-in scenario %q", cfg.Scenario)
	}
	simulation.Register(registry, sc)
	log.Info("scenario loaded", "scenario", cfg.Scenario, "airport", sc.Airport)
	return registry, nil
}

// registerExecutors installs the action handlers. Under scenario-backed
// sources the effects are log entries plus a structured outcome payload.
func registerExecutors(g *governance.Governor, log *slog.Logger) {
	apply := func(effect string) governance.Executor {
		return governance.ExecutorFunc(func(ctx context.Context, a *contracts.Action) (map[string]any, error) {
			log.Info("action executed", "type", a.Type, "case_id", a.CaseID, "effect", effect)
			return map[string]any{"applied": true, "effect": effect, "args": a.Args}, nil
		})
	}
	g.RegisterExecutor(contracts.ActionSetPosture, apply("gateway posture updated"))
	g.RegisterExecutor(contracts.ActionPublishGatewayAdvisory, apply("advisory published"))
	g.RegisterExecutor(contracts.ActionUpdateBookingRules, apply("booking rules updated"))
	g.RegisterExecutor(contracts.ActionTriggerReevaluation, apply("re-evaluation scheduled"))
	g.RegisterExecutor(contracts.ActionEscalateOps, apply("duty manager paged"))
	g.RegisterExecutor(contracts.ActionNotifyCustomer, apply("customer notification queued"))
	g.RegisterExecutor(contracts.ActionHoldCargo, apply("cargo hold placed"))
	g.RegisterExecutor(contracts.ActionReleaseCargo, apply("cargo hold released"))

	g.RegisterInverse(contracts.ActionSetPosture, apply("gateway posture reverted"))
	g.RegisterInverse(contracts.ActionPublishGatewayAdvisory, apply("advisory withdrawn"))
	g.RegisterInverse(contracts.ActionUpdateBookingRules, apply("booking rules reverted"))
	g.RegisterInverse(contracts.ActionTriggerReevaluation, apply("re-evaluation cancelled"))
	g.RegisterInverse(contracts.ActionHoldCargo, apply("cargo hold released"))
}
