// Package engine assembles the component graph and runs it: market
// data polling into the state cache, the opportunity scan loop, and
// the component loops, all talking over the bus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/allocator"
	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/execution"
	"github.com/fundarb/fundarb/internal/lock"
	"github.com/fundarb/fundarb/internal/marketstate"
	"github.com/fundarb/fundarb/internal/metrics"
	"github.com/fundarb/fundarb/internal/opportunity"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/persistence/postgres"
	"github.com/fundarb/fundarb/internal/position"
	"github.com/fundarb/fundarb/internal/risk"
	"github.com/fundarb/fundarb/internal/venue"
)

const (
	marketPollInterval = 10 * time.Second
	dedupeCacheSize    = 4096
)

// Engine owns every component and the loops that drive them.
type Engine struct {
	cfg      config.Config
	settings *config.Settings
	metrics  *metrics.Registry

	rdb   *redis.Client
	bus   bus.Bus
	seen  *bus.SeenCache
	store *persistence.Manager
	repo  *persistence.Repository

	cache     *marketstate.Cache
	venues    *venue.Registry
	risk      *risk.Controller
	scanner   *opportunity.Engine
	alloc     *allocator.Allocator
	exec      *execution.Coordinator
	positions *position.Manager
}

// New builds the full component graph. Redis and postgres are optional;
// without them the engine runs on the in-memory bus and store, which is
// the paper-trading configuration.
func New(cfg config.Config) (*Engine, error) {
	reg := metrics.NewRegistry()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var b bus.Bus
	if rdb != nil {
		b = bus.NewRedis(rdb, "fundarb")
	} else {
		b = bus.NewMemory()
	}

	store, err := persistence.NewManager(cfg.Database, postgres.NewRepository)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}
	repo := store.Repository()
	if repo == nil {
		repo = persistence.NewMemoryRepository()
		log.Warn().Msg("database disabled, state will not survive restarts")
	}

	venues, err := mergeExchangeRows(cfg.Venues, repo)
	if err != nil {
		log.Warn().Err(err).Msg("exchange rows unavailable, using file config")
		venues = cfg.Venues
	}
	cfg.Venues = venues
	settings := config.NewSettings(cfg)

	cache := marketstate.New(cfg.Market)
	registry := venue.NewRegistry(cfg.Execution, cache)
	for _, vc := range venues {
		if !vc.Enabled {
			continue
		}
		cache.RegisterVenue(vc.Slug, vc.PriorityTier)
		// Paper adapters stand in until an exchange adapter is
		// registered for the slug; venue protocol code lives outside
		// this module.
		registry.Register(venue.NewPaper(vc.Slug), vc)
	}

	var locker *lock.Locker
	if rdb != nil {
		locker = lock.New(rdb, cfg.Redis.LockTTL)
	}

	riskCtrl := risk.NewController(cfg.Risk)
	alloc := allocator.New(settings, riskCtrl, repo, b, rdb, locker)
	scanner := opportunity.NewEngine(settings, cache, riskCtrl, alloc)
	exec := execution.NewCoordinator(settings, registry, repo, b, riskCtrl, reg)
	positions := position.NewManager(settings, cache, registry, repo, b, reg)

	e := &Engine{
		cfg:       cfg,
		settings:  settings,
		metrics:   reg,
		rdb:       rdb,
		bus:       b,
		seen:      bus.NewSeenCache(dedupeCacheSize),
		store:     store,
		repo:      repo,
		cache:     cache,
		venues:    registry,
		risk:      riskCtrl,
		scanner:   scanner,
		alloc:     alloc,
		exec:      exec,
		positions: positions,
	}
	e.subscribe()
	return e, nil
}

// Allocator exposes the allocator for the approval surface.
func (e *Engine) Allocator() *allocator.Allocator { return e.alloc }

// Risk exposes the risk controller.
func (e *Engine) Risk() *risk.Controller { return e.risk }

// subscribe wires bus topics to component handlers. Every handler runs
// behind the dedupe cache so redelivered events settle exactly once.
func (e *Engine) subscribe() {
	sub := func(topic string, h bus.Handler) {
		e.bus.Subscribe(topic, bus.Idempotent(e.seen, h))
	}

	sub(domain.TopicOpportunity, func(ctx context.Context, env bus.Envelope) error {
		var opp domain.Opportunity
		if err := env.Decode(&opp); err != nil {
			return err
		}
		return e.alloc.HandleOpportunity(ctx, opp)
	})
	sub(domain.TopicExecutionRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.ExecutionRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return e.exec.HandleExecutionRequest(ctx, req)
	})
	sub(domain.TopicCloseRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.CloseRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return e.exec.HandleCloseRequest(ctx, req)
	})
	sub(domain.TopicRebalanceRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.RebalanceRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return e.exec.HandleRebalanceRequest(ctx, req)
	})
	sub(domain.TopicExecutionResult, func(ctx context.Context, env bus.Envelope) error {
		var res domain.ExecutionResult
		if err := env.Decode(&res); err != nil {
			return err
		}
		return e.alloc.HandleExecutionResult(ctx, res)
	})
	sub(domain.TopicPositionOpened, func(ctx context.Context, env bus.Envelope) error {
		var ev domain.PositionOpened
		if err := env.Decode(&ev); err != nil {
			return err
		}
		return e.positions.HandlePositionOpened(ctx, ev)
	})
	sub(domain.TopicPositionClosed, func(ctx context.Context, env bus.Envelope) error {
		var ev domain.PositionClosedEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if err := e.alloc.HandlePositionClosed(ctx, ev); err != nil {
			log.Error().Err(err).Msg("allocator failed to settle closed position")
		}
		return e.positions.HandlePositionClosed(ctx, ev)
	})
	sub(domain.TopicConfigUpdated, func(ctx context.Context, env bus.Envelope) error {
		return e.reloadSettings(ctx)
	})
	sub(domain.TopicBreakerReset, func(ctx context.Context, env bus.Envelope) error {
		var req domain.BreakerReset
		if err := env.Decode(&req); err != nil {
			return err
		}
		e.risk.ResetBreaker()
		log.Info().Str("requested_by", req.RequestedBy).Str("reason", req.Reason).
			Msg("circuit breaker reset requested")
		return e.bus.Publish(ctx, domain.TopicCircuitBreaker, domain.CircuitBreakerChanged{
			Active: false,
			Reason: req.Reason,
		})
	})
}

// Run starts every loop and blocks until the context is cancelled and
// all loops have drained.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.alloc.Recover(ctx); err != nil {
		return fmt.Errorf("allocator recovery failed: %w", err)
	}
	if err := e.positions.Recover(ctx); err != nil {
		return fmt.Errorf("position recovery failed: %w", err)
	}
	if err := e.reloadSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("initial settings load failed, using file config")
	}

	e.risk.SetRunning(true)
	defer e.risk.SetRunning(false)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug().Str("loop", name).Msg("loop stopped")
		}()
	}

	start("risk", func(ctx context.Context) { e.risk.Run(ctx, e.bus) })
	start("allocator", e.alloc.Run)
	start("execution", e.exec.Run)
	start("positions", e.positions.Run)
	start("market-poll", e.pollMarketData)
	start("scan", e.scanLoop)
	start("equity", e.equityLoop)

	log.Info().
		Int("venues", len(e.venues.Slugs())).
		Bool("redis", e.rdb != nil).
		Bool("database", e.store.IsEnabled()).
		Msg("engine started")

	wg.Wait()
	return nil
}

// Close releases external connections.
func (e *Engine) Close() error {
	if err := e.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("bus close failed")
	}
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
	return e.store.Close()
}

// pollMarketData pulls funding rates and quotes from every venue into
// the state cache. Rejections (bounds, jump anomaly) stay inside the
// cache and only dent the venue's reliability score.
func (e *Engine) pollMarketData(ctx context.Context) {
	ticker := time.NewTicker(marketPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slug := range e.venues.Slugs() {
				e.pollVenue(ctx, slug)
			}
		}
	}
}

func (e *Engine) pollVenue(ctx context.Context, slug string) {
	rates, err := e.venues.FundingRates(ctx, slug)
	if err != nil {
		log.Warn().Err(err).Str("venue", slug).Msg("funding rate poll failed")
		return
	}

	symbols := make([]string, 0, len(rates))
	for _, fr := range rates {
		symbols = append(symbols, fr.Symbol)
		if err := e.cache.SetFundingRate(fr); err != nil {
			log.Debug().Err(err).Str("venue", slug).Str("symbol", fr.Symbol).
				Msg("funding rate rejected")
		}
	}
	if len(symbols) == 0 {
		return
	}

	quotes, err := e.venues.Quotes(ctx, slug, symbols)
	if err != nil {
		log.Warn().Err(err).Str("venue", slug).Msg("quote poll failed")
		return
	}
	for _, q := range quotes {
		if err := e.cache.SetQuote(q); err != nil {
			log.Debug().Err(err).Str("venue", slug).Str("symbol", q.Symbol).
				Msg("quote rejected")
		}
	}
}

// scanLoop evaluates every cached symbol and publishes actionable
// opportunities. WAITING and BLOCKED verdicts stay internal.
func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Allocation.AllocationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, opp := range e.scanner.EvaluateAll() {
				if opp.Action != domain.ActionAutoTrade && opp.Action != domain.ActionManualOnly {
					continue
				}
				if err := e.bus.Publish(ctx, domain.TopicOpportunity, opp); err != nil {
					log.Error().Err(err).Str("symbol", opp.Symbol).
						Msg("failed to publish opportunity")
				}
			}
		}
	}
}

// equityLoop recomputes portfolio equity from open positions and feeds
// it to the risk controller, mirroring the snapshot onto the gauges.
func (e *Engine) equityLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Risk.PnLSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleEquity(ctx)
		}
	}
}

func (e *Engine) sampleEquity(ctx context.Context) {
	open, err := e.repo.Positions.ListOpen(ctx)
	if err != nil {
		log.Error().Err(err).Msg("equity sample failed to list positions")
		return
	}

	floating := decimal.Zero
	for _, p := range open {
		floating = floating.Add(p.UnrealizedPnL).
			Add(p.FundingReceived).Sub(p.FundingPaid)
	}
	equity := e.cfg.Risk.TotalCapitalUSD.Add(floating)

	if tripped := e.risk.RecordEquity(equity); tripped {
		bus.PublishActivity(ctx, e.bus, domain.Activity{
			Service:   "risk",
			Type:      "circuit_breaker",
			Level:     domain.ActivityError,
			Narrative: "drawdown limit breached, circuit breaker latched until manual reset",
		})
		if err := e.bus.Publish(ctx, domain.TopicCircuitBreaker, domain.CircuitBreakerChanged{
			Active: true,
			Reason: "max drawdown exceeded",
		}); err != nil {
			log.Error().Err(err).Msg("failed to publish breaker activation")
		}
	}

	snap := e.risk.Snapshot()
	e.metrics.ExposureUSD.Set(toFloat(snap.TotalExposure))
	e.metrics.AvailableCapitalUSD.Set(toFloat(e.risk.AvailableCapital()))
	e.metrics.DrawdownPct.Set(toFloat(snap.DrawdownPct))
	e.metrics.VaR95USD.Set(toFloat(snap.VaR95))
	if snap.CircuitBreaker {
		e.metrics.CircuitBreakerActive.Set(1)
	} else {
		e.metrics.CircuitBreakerActive.Set(0)
	}
}

// reloadSettings re-reads the runtime settings rows and applies them
// over the file configuration.
func (e *Engine) reloadSettings(ctx context.Context) error {
	rows, err := e.repo.Settings.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list settings: %w", err)
	}
	if errs := e.settings.ApplyRows(rows); len(errs) > 0 {
		for _, applyErr := range errs {
			log.Warn().Err(applyErr).Msg("setting rejected")
		}
	}
	log.Info().Int("rows", len(rows)).Msg("runtime settings applied")
	return nil
}

// mergeExchangeRows lays stored per-venue parameters over the file
// configuration. Rows win on enablement, fees, and credential status;
// venues without a row keep their file values.
func mergeExchangeRows(venues []config.VenueConfig, repo *persistence.Repository) ([]config.VenueConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := repo.Exchanges.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return venues, nil
	}

	bySlug := make(map[string]persistence.ExchangeRow, len(rows))
	for _, row := range rows {
		bySlug[row.Slug] = row
	}

	out := make([]config.VenueConfig, len(venues))
	copy(out, venues)
	for i := range out {
		row, ok := bySlug[out[i].Slug]
		if !ok {
			continue
		}
		out[i].Enabled = row.Enabled
		out[i].PerpMakerFee = row.PerpMakerFee
		out[i].PerpTakerFee = row.PerpTakerFee
		out[i].HasCredentials = row.HasCredentials
		log.Debug().Str("venue", out[i].Slug).Bool("enabled", row.Enabled).
			Msg("venue config overridden from store")
	}
	return out, nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
