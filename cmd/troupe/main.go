package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	troupe "github.com/troupe-ai/troupe"
	"github.com/troupe-ai/troupe/internal/app"
	"github.com/troupe-ai/troupe/internal/config"
	"github.com/troupe-ai/troupe/observer"
	"github.com/troupe-ai/troupe/provider/openaicompat"
	"github.com/troupe-ai/troupe/store/postgres"
	"github.com/troupe-ai/troupe/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("TROUPE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var gatewayOpts []troupe.GatewayOption
	var breakerOpts []troupe.BreakerSetOption
	var managerOpts []troupe.ManagerOption
	var limiterOpts []troupe.RateLimiterOption
	var orchHookOpts []troupe.OrchestratorOption
	var agentHookOpts []troupe.AgentOption
	var memoryHookOpts []troupe.MemoryOption
	var tracer troupe.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		tracer = observer.NewTracer()
		gatewayOpts = append(gatewayOpts,
			troupe.GatewayOnUsage(inst.UsageHook()),
			troupe.GatewayCost(inst.CostFunc()),
			troupe.GatewayTracer(tracer))
		breakerOpts = append(breakerOpts, troupe.BreakerOnChange(inst.BreakerHook()))
		managerOpts = append(managerOpts, troupe.ManagerOnDrop(inst.DropHook()))
		limiterOpts = append(limiterOpts, troupe.RateLimiterOnReject(inst.RateLimitHook()))
		orchHookOpts = append(orchHookOpts, troupe.OrchestratorOnFinish(inst.WorkflowHook()))
		agentHookOpts = append(agentHookOpts,
			troupe.AgentOnTask(inst.TaskHook()),
			troupe.AgentOnToolRun(inst.ToolHook()))
		memoryHookOpts = append(memoryHookOpts, troupe.MemoryOnEvict(inst.EvictHook()))
	}

	// 3. Provider behind the resilience pipeline
	provider := openaicompat.New(cfg.Provider.APIKey, cfg.Provider.BaseURL,
		openaicompat.WithName(cfg.Provider.Name),
		openaicompat.WithLogger(logger))

	// The request bucket is sized in requests and the token bucket in
	// tokens; the gateway acquires one request unit plus the estimated
	// token count per call. TokenBurst is a full minute's budget so a
	// single large prompt is paced rather than refused.
	limiter := troupe.NewRateLimiter(troupe.RateLimiterConfig{
		RatePerSec:        float64(cfg.RateLimit.RequestsPerMinute) / 60,
		Burst:             cfg.RateLimit.Burst,
		TokensPerSec:      float64(cfg.RateLimit.TokensPerMinute) / 60,
		TokenBurst:        cfg.RateLimit.TokensPerMinute,
		QueueBound:        cfg.RateLimit.QueueBound,
		QueueWaitDeadline: cfg.RateLimit.QueueWaitDeadline.Std(),
	}, append(limiterOpts, troupe.RateLimiterLogger(logger))...)

	breakers := troupe.NewBreakerSet(troupe.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		Window:           cfg.Breaker.Window.Std(),
	}, append(breakerOpts, troupe.BreakerLogger(logger))...)

	deduper := troupe.NewDeduper(troupe.DeduperConfig{
		RecentTTL: cfg.Dedupe.RecentTTL.Std(),
		MaxRecent: cfg.Dedupe.MaxRecent,
	}, troupe.DeduperLogger(logger))

	gateway := troupe.NewGateway(provider, limiter, breakers, deduper,
		troupe.GatewayConfig{},
		append(gatewayOpts, troupe.GatewayLogger(logger))...)

	// 4. Persistence (optional)
	var snapshots troupe.SnapshotStore
	var workflowLog troupe.WorkflowLog
	switch cfg.Database.Driver {
	case "sqlite":
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		defer st.Close()
		snapshots, workflowLog = st, st
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		defer pool.Close()
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		snapshots, workflowLog = st, st
	}
	// 5. Manager and orchestrator
	manager := troupe.NewManager(append(managerOpts, troupe.ManagerLogger(logger))...)
	orchOpts := append(orchHookOpts, troupe.OrchestratorLogger(logger))
	if tracer != nil {
		orchOpts = append(orchOpts, troupe.OrchestratorTracer(tracer))
	}
	if workflowLog != nil {
		orchOpts = append(orchOpts, troupe.OrchestratorLog(workflowLog))
	}
	orchestrator := troupe.NewOrchestrator(manager, troupe.OrchestratorConfig{
		DefaultRetry:     cfg.Workflow.DefaultRetry,
		DefaultTimeout:   cfg.Workflow.DefaultTimeout.Std(),
		MaxParallelSteps: cfg.Workflow.MaxParallelSteps,
		FailurePolicy:    troupe.FailurePolicy(cfg.Workflow.FailurePolicy),
	}, orchOpts...)

	// 6. REST shell
	shell := app.New(gateway, manager, orchestrator, app.WithLogger(logger),
		app.WithAgentFactory(func(acfg troupe.AgentConfig) (*troupe.Agent, error) {
			acfg.MaxToolIterations = max(acfg.MaxToolIterations, cfg.Agent.MaxToolIterations)
			acfg.PromptMaxTokens = cfg.Agent.PromptMaxTokens
			acfg.InboxSize = cfg.Agent.InboxSize

			memory := troupe.NewBoundedMemory(troupe.MemoryConfig{
				MaxShort:          cfg.Memory.MaxShort,
				MaxLong:           cfg.Memory.MaxLong,
				MaxEpisodic:       cfg.Memory.MaxEpisodic,
				MaxSemantic:       cfg.Memory.MaxSemantic,
				MaxAge:            cfg.Memory.MaxAge.Std(),
				PressureThreshold: cfg.Memory.PressureThreshold,
			}, append(memoryHookOpts, troupe.MemoryLogger(logger))...)
			if snapshots != nil {
				if snap, ok, err := snapshots.LoadSnapshot(ctx, acfg.Tenant, acfg.ID); err == nil && ok {
					if err := memory.Restore(snap); err != nil {
						logger.Warn("snapshot restore refused", "agent", acfg.ID, "error", err)
					}
				}
			}
			opts := append([]troupe.AgentOption{
				troupe.AgentLogger(logger),
				troupe.AgentMemory(memory),
			}, agentHookOpts...)
			if tracer != nil {
				opts = append(opts, troupe.AgentTracer(tracer))
			}
			return troupe.NewAgent(acfg, gateway, opts...)
		}))

	if err := shell.Serve(ctx, cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
