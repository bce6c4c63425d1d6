package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alicelabs/orchestrator/internal/api"
	"github.com/alicelabs/orchestrator/internal/backend"
	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
	"github.com/alicelabs/orchestrator/internal/guardian"
	"github.com/alicelabs/orchestrator/internal/infra"
	"github.com/alicelabs/orchestrator/internal/nlu"
	"github.com/alicelabs/orchestrator/internal/orchestrator"
	"github.com/alicelabs/orchestrator/internal/planner"
	"github.com/alicelabs/orchestrator/internal/router"
	"github.com/alicelabs/orchestrator/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	if err := godotenv.Load(); err == nil {
		logger.Println("✅ loaded .env")
	}

	configPath := envOr("CONFIG_PATH", "./configs/config.yaml")
	mgr, err := config.NewManager(configPath)
	if err != nil {
		logger.Fatalf("🛑 config: %v", err)
	}
	cfg := mgr.Current()

	// ========================================================================
	// TELEMETRY
	// ========================================================================
	metrics := telemetry.NewMetrics()
	slo := telemetry.NewSLOTracker()
	recorder := telemetry.NewRecorder(cfg.Paths.TelemetryDir, cfg.Privacy.MaskPII, metrics, slo)
	energy := telemetry.NewEnergyModel(cfg.Energy)

	// ========================================================================
	// GUARDIAN
	// ========================================================================
	guard := guardian.New(cfg.Guardian, guardian.NewProcSampler())
	metrics.SetGuardianState(guard.State().String())

	// ========================================================================
	// CACHE
	// ========================================================================
	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		store, err := infra.NewGoRedisAdapter(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			// The cache is an accelerator, not a dependency: start without it.
			logger.Printf("⚠️ redis unavailable, caching disabled: %v", err)
		} else {
			responseCache = cache.New(store, cfg.Cache)
		}
	}

	// ========================================================================
	// ROUTING AND DISPATCH
	// ========================================================================
	registry, err := planner.LoadRegistry(cfg.Paths.ToolRegistry)
	if err != nil {
		// Without the registry no plan can be validated; refusing to start
		// is the only safe behavior.
		logger.Fatalf("🛑 tool registry: %v", err)
	}
	logger.Printf("✅ tool registry v%d: %d tools", registry.Version, len(registry.ToolNames()))

	breakers := circuitbreaker.NewSet(func(name string, from, to circuitbreaker.State) {
		open := 0.0
		if to == circuitbreaker.StateOpen {
			open = 1.0
		}
		metrics.BreakerOpen.WithLabelValues(name).Set(open)
	})
	quotas := circuitbreaker.NewQuotaSet(cfg.Router.MicroMaxShare, cfg.Router.PlannerMaxParallel)

	bandit := router.New(cfg.Router.CanaryShare)
	if err := bandit.Load(cfg.Paths.BanditDir); err != nil {
		logger.Printf("⚠️ bandit snapshot: %v", err)
	}

	canon := fingerprint.NewCanonicalizer()
	backends := &backend.Set{
		Micro:   backend.NewHTTPBackend("micro", cfg.Backends.MicroEndpoint, cfg.Timeouts.MicroFirst, cfg.Timeouts.MicroFull, breakers.Micro),
		Planner: backend.NewHTTPBackend("planner", cfg.Backends.PlannerEndpoint, cfg.Timeouts.PlannerFirst, cfg.Timeouts.PlannerFull, breakers.Planner),
		Deep:    backend.NewHTTPBackend("deep", cfg.Backends.DeepEndpoint, cfg.Timeouts.DeepFirst, cfg.Timeouts.DeepFull, breakers.Deep),
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:   mgr,
		Guardian: guard,
		Canon:    canon,
		Prints:   fingerprint.NewBuilder(canon, cfg.Cache.SchemaVersion, cfg.Cache.DepsVersion),
		Cache:    responseCache,
		NLU:      nlu.NewGateway(cfg.NLU.Endpoint, cfg.NLU.XNLI, cfg.Timeouts.NLU, breakers.NLU),
		Bandit:   bandit,
		Quotas:   quotas,
		Breakers: breakers,
		Backends: backends,
		FastPath: backend.NewFastPath(),
		Registry: registry,
		Args:     planner.NewArgBuilder(canon),
		Executor: planner.NewExecutor(registry, breakers),
		Recorder: recorder,
		Energy:   energy,
		SLO:      slo,
		Metrics:  metrics,
	})

	server := api.NewServer(api.Deps{
		Config:   mgr,
		Orch:     orch,
		Guardian: guard,
		Cache:    responseCache,
		Bandit:   bandit,
		Quotas:   quotas,
		Breakers: breakers,
		SLO:      slo,
	})

	// ========================================================================
	// LIFECYCLE
	// ========================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go guard.Run(ctx)
	go recorder.Run(ctx)

	snapStop := make(chan struct{})
	go bandit.RunSnapshots(cfg.Paths.BanditDir, snapshotInterval(cfg), snapStop)

	logger.Printf("🚀 starting on port %d (env=%s)", cfg.Server.Port, cfg.Server.Env)
	if err := server.Run(ctx); err != nil {
		logger.Printf("⚠️ server: %v", err)
	}

	close(snapStop)
	recorder.Wait()
	logger.Println("✅ shutdown complete")
}

func snapshotInterval(cfg *config.Config) time.Duration {
	if cfg.Router.SnapshotInterval > 0 {
		return cfg.Router.SnapshotInterval
	}
	return 5 * time.Minute
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
