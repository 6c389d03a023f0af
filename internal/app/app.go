// Package app assembles the bot from its parts and runs them as one
// unit: the shared rate limiter and cache under the exchange client,
// the scan/signal/trade pipeline on the bus, the risk pass and the
// maintenance jobs on the cron runner, and the dashboard over all of
// it. Everything a command needs beyond flag parsing lives here.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vtrpza/bingxv3/internal/bus"
	"github.com/vtrpza/bingxv3/internal/cache"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/dashboard"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/exchange"
	"github.com/vtrpza/bingxv3/internal/jobs"
	"github.com/vtrpza/bingxv3/internal/metrics"
	"github.com/vtrpza/bingxv3/internal/ratelimit"
	"github.com/vtrpza/bingxv3/internal/risk"
	"github.com/vtrpza/bingxv3/internal/scanner"
	"github.com/vtrpza/bingxv3/internal/selector"
	"github.com/vtrpza/bingxv3/internal/store/postgres"
	"github.com/vtrpza/bingxv3/internal/stream"
	"github.com/vtrpza/bingxv3/internal/trading"
)

// Paper sessions start every run from this flat simulated balance.
const paperStartUSDT = 10000

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	metrics  *metrics.Registry
	limiter  *ratelimit.Limiter
	coord    *ratelimit.Coordinator
	cache    *cache.Cache
	redis    *cache.RedisTier
	store    *postgres.Manager
	market   *exchange.Client
	venue    exchange.Exchange
	selector *selector.Selector
	bus      *bus.Bus
	scanner  *scanner.Scanner
	engine   *trading.Engine
	risk     *risk.Loop
	jobs     *jobs.Runner
	dash     *dashboard.Server

	closeOnce sync.Once
}

// New wires the whole bot. Nothing is running yet when it returns; Run
// starts the loops, the one-shot helpers use the components directly.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, version string) (*App, error) {
	if cfg.Store.DSN == "" {
		return nil, errs.Validationf("store DSN is required; set PG_DSN or store.dsn")
	}

	a := &App{
		cfg:     cfg,
		log:     logger.With().Str("component", "app").Logger(),
		metrics: metrics.New(),
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Limits: map[ratelimit.Category]ratelimit.CategoryLimit{
			ratelimit.CategoryMarketData: {
				MaxRequests: cfg.RateLimit.MarketDataMax,
				Window:      cfg.RateLimit.MarketDataWindow,
			},
			ratelimit.CategoryAccount: {
				MaxRequests: cfg.RateLimit.AccountMax,
				Window:      cfg.RateLimit.AccountWindow,
			},
		},
		SafetyFactor: cfg.RateLimit.SafetyFactor,
		MinSpacing:   cfg.RateLimit.MinSpacing,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}
	a.limiter = limiter
	a.coord = ratelimit.NewCoordinator(limiter, logger)

	ttls := map[cache.Category]time.Duration{}
	if cfg.Cache.TickerTTL > 0 {
		ttls[cache.CategoryTicker] = cfg.Cache.TickerTTL
	}
	a.cache = cache.New(cache.Config{
		MaxEntries:   cfg.Cache.MaxEntries,
		TTLOverrides: ttls,
	}, logger).WithRecorder(a.metrics)

	if cfg.Cache.RedisEnabled {
		tier, err := cache.NewRedisTier(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisDB, logger)
		if err != nil {
			a.coord.Shutdown()
			return nil, fmt.Errorf("failed to reach redis tier at %s: %w", cfg.Cache.RedisAddr, err)
		}
		a.redis = tier
		a.cache.WithTier(tier)
		for cat, codec := range exchange.CacheCodecs() {
			a.cache.RegisterCodec(cat, codec)
		}
	}

	mgr, err := postgres.NewManager(postgres.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		QueryTimeout:    cfg.Store.QueryTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = mgr
	repos := mgr.Repos()

	market, err := exchange.New(exchange.Config{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Timeout:   cfg.Exchange.Timeout,
	}, exchange.Deps{
		Limiter:     limiter,
		Coordinator: a.coord,
		Cache:       a.cache,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.market = market

	sel, err := selector.New(market, repos.Assets, selector.Criteria{
		Quote:         domain.QuoteAsset,
		MinVolume24h:  cfg.Selector.MinVolume24h,
		MaxSpreadPct:  cfg.Selector.MaxSpreadPct,
		MinVolatility: cfg.Selector.MinVolatility,
		MaxVolatility: cfg.Selector.MaxVolatility,
		MinLiquidity:  cfg.Selector.MinLiquidity,
		TTL:           cfg.Selector.RevalidateEvery,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.selector = sel

	a.bus = bus.New(cfg.Signals.BusCapacity, logger)

	hub := dashboard.NewHub(logger, a.metrics)
	broadcaster := stream.Fanout(hub, metricsRelay{a.metrics})

	scn, err := scanner.New(cfg.Scanner, cfg.Signals, cfg.Indicators, scanner.Deps{
		Exchange:    market.ForWorker("scanner", ratelimit.ClassScanner),
		Selector:    sel,
		Bus:         a.bus,
		Repos:       repos,
		Limiter:     limiter,
		Coordinator: a.coord,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scanner = scn

	// The trading venue is either the live client bound to the trading
	// budget class, or the paper wrapper over it. The risk loop prices
	// against the same venue so simulated fills and stops line up.
	tradeClient := market.ForWorker("trading", ratelimit.ClassTrading)
	a.venue = tradeClient
	if cfg.Exchange.PaperTrading {
		a.venue = exchange.NewPaperExchange(tradeClient, decimal.NewFromInt(paperStartUSDT), cfg.Exchange.PaperFeePct, logger)
	}

	engine, err := trading.New(cfg.Trading, trading.PolicyFromConfig(cfg), trading.Deps{
		Exchange:    a.venue,
		Store:       mgr,
		Bus:         a.bus,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine

	loop, err := risk.New(cfg.Risk, a.venue, repos.Trades, engine, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.risk = loop

	a.jobs = jobs.New(logger, a.metrics)
	if err := a.registerJobs(); err != nil {
		a.Close()
		return nil, err
	}

	dash, err := dashboard.New(cfg.Dashboard, dashboard.Deps{
		Trades:   repos.Trades,
		Signals:  repos.Signals,
		Health:   mgr.Health(),
		Engine:   engine,
		Registry: a.metrics,
		Hub:      hub,
		Logger:   logger,
		Version:  version,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dash = dash

	a.registerStatuses()
	a.registerBridges()
	return a, nil
}

// Run migrates the store, builds the first universe, then serves every
// loop until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Migrate(ctx); err != nil {
		return err
	}

	if _, err := a.selector.Refresh(ctx); err != nil {
		// The scanner rebuilds the universe on demand; a failed first
		// build only delays the first cycle.
		a.log.Warn().Err(err).Msg("initial universe build failed")
	}

	a.bus.Start(ctx)
	a.jobs.Start(ctx)
	a.cache.StartSweeper(ctx, a.cfg.Cache.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.scanner.Run(gctx) })
	g.Go(func() error { return a.dash.Run(gctx) })

	a.log.Info().
		Str("policy", a.engine.Stats().Policy).
		Bool("paper", a.cfg.Exchange.PaperTrading).
		Str("dashboard", a.dash.Addr()).
		Msg("Bot is up")

	err := g.Wait()
	a.Close()
	a.log.Info().Msg("Bot stopped")
	return err
}

// Migrate applies the store schema. Run calls it on the way up;
// one-shot commands call it before touching repositories.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// Revalidate forces a universe rebuild and reports the result.
func (a *App) Revalidate(ctx context.Context) (*selector.BuildResult, error) {
	return a.selector.Refresh(ctx)
}

// Analyze runs the indicator and rule pass for one symbol without
// touching the trade path. The audit row is still persisted.
func (a *App) Analyze(ctx context.Context, symbol string) (*domain.Signal, error) {
	return a.scanner.ScanSymbol(ctx, symbol)
}

// Market exposes the shared market-data client for one-shot commands.
func (a *App) Market() exchange.Exchange { return a.market }

// Close releases held resources. Safe to call more than once; Run calls
// it on the way out.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.bus != nil {
			a.bus.Close()
		}
		if a.jobs != nil {
			a.jobs.Stop()
		}
		if a.coord != nil {
			a.coord.Shutdown()
		}
		if a.redis != nil {
			a.redis.Close()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn().Err(err).Msg("store close failed")
			}
		}
	})
}

// registerJobs binds the recurring maintenance to the cron runner. The
// risk loop is driven from here so one scheduler owns every cadence.
func (a *App) registerJobs() error {
	all := []jobs.Job{
		{
			Name:     "universe_revalidate",
			Schedule: "@every " + a.cfg.Selector.RevalidateEvery.String(),
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.selector.Refresh(ctx)
				return err
			},
		},
		{
			Name:     "cache_sweep",
			Schedule: "@every " + a.cfg.Cache.SweepInterval.String(),
			Run: func(context.Context) error {
				if removed := a.cache.Sweep(); removed > 0 {
					a.log.Debug().Int("removed", removed).Msg("cache sweep")
				}
				return nil
			},
		},
		{
			Name:     "risk_tick",
			Schedule: "@every " + a.cfg.Risk.Interval.String(),
			Run: func(ctx context.Context) error {
				a.risk.RunOnce(ctx)
				return nil
			},
		},
		{
			Name:     "session_rollover",
			Schedule: "0 0 * * *",
			Run:      a.rollover,
		},
	}
	for _, j := range all {
		if err := a.jobs.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// rollover logs the running session totals at day boundary so operator
// logs carry a daily ledger even when nobody watches the dashboard.
func (a *App) rollover(context.Context) error {
	eng := a.engine.Stats()
	scn := a.scanner.Stats()
	cch := a.cache.Stats()
	rsk := a.risk.Stats()
	a.log.Info().
		Uint64("trades_opened", eng.Opened).
		Uint64("trades_closed", eng.Closed).
		Uint64("signals_consumed", eng.Consumed).
		Uint64("signals_rejected", eng.Rejected).
		Uint64("scan_cycles", scn.Cycles).
		Uint64("signals_emitted", scn.Emitted).
		Uint64("stops_adjusted", rsk.StopsAdjusted).
		Uint64("partial_exits", rsk.PartialExits).
		Float64("cache_hit_rate", cch.HitRate).
		Msg("Daily session rollover")
	return nil
}

// registerStatuses feeds every component snapshot into /api/status.
func (a *App) registerStatuses() {
	a.dash.RegisterStatus("limiter", func() interface{} { return a.limiter.Stats() })
	a.dash.RegisterStatus("coordinator", func() interface{} { return a.coord.Stats() })
	a.dash.RegisterStatus("cache", func() interface{} { return a.cache.Stats() })
	a.dash.RegisterStatus("selector", func() interface{} { return a.selector.Stats() })
	a.dash.RegisterStatus("scanner", func() interface{} { return a.scanner.Stats() })
	a.dash.RegisterStatus("bus", func() interface{} { return a.bus.Stats() })
	a.dash.RegisterStatus("risk", func() interface{} { return a.risk.Stats() })
	a.dash.RegisterStatus("jobs", func() interface{} { return a.jobs.Results() })

	if a.redis != nil {
		tier := a.redis
		// A dead tier degrades to the local cache, so it warns rather
		// than fails the health rollup.
		a.dash.RegisterCheck("redis", func(ctx context.Context) dashboard.CheckResult {
			started := time.Now()
			if err := tier.Ping(ctx); err != nil {
				return dashboard.CheckResult{
					Status:    "warn",
					Message:   "tier unreachable, serving from local cache: " + err.Error(),
					LatencyMS: time.Since(started).Milliseconds(),
				}
			}
			return dashboard.CheckResult{Status: "pass", LatencyMS: time.Since(started).Milliseconds()}
		})
	}
}

// registerBridges exports component counters the registry cannot see
// from its own hooks.
func (a *App) registerBridges() {
	a.metrics.RegisterGaugeFunc("bingx_open_positions",
		"Open positions held by the trading engine.",
		func() float64 { return float64(a.engine.Stats().OpenPositions) })
	a.metrics.RegisterCounterFunc("bingx_scan_cycles_total",
		"Completed scanner cycles.",
		func() float64 { return float64(a.scanner.Stats().Cycles) })
	a.metrics.RegisterGaugeFunc("bingx_universe_size",
		"Symbols admitted by the last universe build.",
		func() float64 { return float64(a.selector.Stats().Count) })
	a.metrics.RegisterGaugeFunc("bingx_bus_pending",
		"Signals queued on the bus ring.",
		func() float64 { return float64(a.bus.Stats().Pending) })
	a.metrics.RegisterCounterFunc("bingx_risk_cycles_total",
		"Completed risk loop passes.",
		func() float64 { return float64(a.risk.Stats().Cycles) })
	a.metrics.RegisterGaugeFunc("bingx_cache_entries",
		"Entries held by the in-process cache.",
		func() float64 { return float64(a.cache.Stats().Entries) })
}

// metricsRelay tees pipeline events into the registry so business
// counters stay correct whether or not anyone watches the dashboard.
type metricsRelay struct {
	reg *metrics.Registry
}

func (r metricsRelay) Broadcast(ev stream.Event) {
	switch ev.Type {
	case stream.EventNewSignal:
		if sig, ok := ev.Payload.(domain.Signal); ok {
			r.reg.RecordSignal(string(sig.Kind))
		}
	case stream.EventTradeClosed:
		if t, ok := ev.Payload.(*domain.Trade); ok {
			pnl, _ := t.PnL.Float64()
			r.reg.RecordTradePnL(pnl)
		}
	}
}
