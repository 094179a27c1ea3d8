// Command server runs the options trading engine: webhook intake, the
// decision chain, broker execution, and the position lifecycle loop.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/api"
	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/config"
	"github.com/tradeforge/options-engine/internal/decision"
	"github.com/tradeforge/options-engine/internal/exits"
	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/pipeline"
	"github.com/tradeforge/options-engine/internal/positions"
	"github.com/tradeforge/options-engine/internal/regime"
	"github.com/tradeforge/options-engine/internal/signals"
	"github.com/tradeforge/options-engine/internal/sizing"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/internal/workers"
	"github.com/tradeforge/options-engine/pkg/types"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("engine exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("starting options engine",
		zap.String("appMode", string(cfg.AppMode)),
		zap.Bool("liveRequested", cfg.LiveRequested()),
		zap.String("marketData", cfg.MarketDataProvider),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Persistence.
	st, err := buildStore(logger, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Market data, wrapped in the coalescing cache.
	provider := marketdata.NewCachedProvider(logger, marketdata.DefaultCacheConfig(), buildProvider(logger, cfg))
	quote := func(ctx context.Context, occ string) (decimal.Decimal, error) {
		q, err := provider.GetOptionQuote(ctx, occ)
		if err != nil {
			return decimal.Zero, err
		}
		return q.Mid(), nil
	}

	// Broker selection behind the dual-flag safety gate.
	selection := broker.NewFactory(logger, cfg, quote).Select()
	logger.Info("broker selected",
		zap.String("adapter", selection.Adapter.Capabilities().Name),
		zap.String("mode", string(selection.Mode)),
		zap.String("reason", selection.Reason),
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Position lifecycle.
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("gex"))
	pool.Start(ctx)
	defer pool.Stop()

	tracker := regime.NewTracker(logger, regime.DefaultTrackerConfig(), st)
	mgrCfg := positions.DefaultManagerConfig()
	mgrCfg.RefreshInterval = cfg.RefreshInterval
	manager := positions.NewManager(logger, mgrCfg, st, provider, selection.Adapter,
		exits.NewEngine(logger, exits.DefaultEngineConfig()), pool,
		tracker.Current, m, selection.Mode)
	manager.Start(ctx)
	defer manager.Stop()

	// Decision chain.
	orch := decision.NewOrchestrator(logger, decision.DefaultOrchestratorConfig(), st, provider, selection.Adapter,
		signals.NewScorer(logger, signals.DefaultScorerConfig(), st),
		tracker,
		signals.NewResolver(logger, signals.DefaultResolverConfig(), st),
		decision.NewContextEvaluator(logger, decision.DefaultContextConfig(), st),
		sizing.NewSizer(logger, st),
		manager, m, selection.Mode)

	// Signal intake.
	pl := pipeline.New(logger, pipeline.DefaultConfig(), st, provider,
		signals.NewNormalizer(logger),
		signals.NewValidator(logger, signals.DefaultValidatorConfig()),
		buildDeduper(logger, cfg, st),
		signals.NewQueue(logger, signals.DefaultQueueConfig()),
		orch, m)
	pl.Start(ctx)
	defer pl.Stop()

	// Fill polling for adapters that do not fill synchronously. The API's
	// paper-trading sweep reuses the same poller on demand.
	pollerCfg := broker.DefaultPollerConfig()
	pollerCfg.Interval = cfg.PollInterval
	onFill := func(ctx context.Context, order *types.Order, trades []types.Trade) {
		if err := manager.ApplyFill(ctx, order, trades); err != nil {
			logger.Error("applying polled fill", zap.String("orderId", order.ID), zap.Error(err))
		}
	}
	poller := broker.NewPoller(logger, pollerCfg, st, selection.Adapter, onFill)
	if selection.Adapter.Capabilities().RequiresPolling {
		poller.Start(ctx)
		defer poller.Stop()
	}

	// HTTP front end.
	hub := api.NewHub(logger)
	hubDone := make(chan struct{})
	go hub.Run(hubDone)
	defer close(hubDone)

	srvCfg := api.DefaultServerConfig()
	srvCfg.Host = cfg.Host
	srvCfg.Port = cfg.Port
	server := api.NewServer(logger, srvCfg, st, pl, manager, poller, selection, m, hub,
		cfg.HMACSecret, cfg.JWTSecret, cfg.APIAuthToken)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}

func buildStore(logger *zap.Logger, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "memory" {
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(logger, cfg.DatabaseURL)
}

func buildProvider(logger *zap.Logger, cfg *config.Config) marketdata.Provider {
	switch cfg.MarketDataProvider {
	case "polygon":
		return marketdata.NewPolygonProvider(logger, marketdata.PolygonConfig{
			APIKey:  cfg.PolygonAPIKey,
			Timeout: cfg.BrokerTimeout,
		})
	default:
		logger.Warn("using static market data provider",
			zap.String("configured", cfg.MarketDataProvider),
		)
		return marketdata.NewStaticProvider()
	}
}

func buildDeduper(logger *zap.Logger, cfg *config.Config, st store.Store) *signals.Deduper {
	const window = 60 * time.Second
	if cfg.RedisURL != "" {
		kv, err := signals.NewRedisDedup(cfg.RedisURL)
		if err == nil {
			return signals.NewDeduper(logger, kv, st, window)
		}
		logger.Warn("redis unavailable, using in-process dedup", zap.Error(err))
	}
	return signals.NewDeduper(logger, signals.NewMemoryDedup(time.Hour), st, window)
}
