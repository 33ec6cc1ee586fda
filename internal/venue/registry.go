package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// HealthRecorder receives the outcome of every venue call. The market
// state cache implements it to keep reliability scores current.
type HealthRecorder interface {
	RecordRequest(venue string, ok bool)
	SetVenueHealth(venue string, healthy bool, reason string)
}

type guard struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Registry fronts every registered adapter with a token-bucket rate
// limiter, a per-call deadline, and a circuit breaker. Components never
// hold an Adapter directly.
type Registry struct {
	cfg      config.ExecutionConfig
	recorder HealthRecorder

	mu     sync.RWMutex
	guards map[string]*guard
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.ExecutionConfig, recorder HealthRecorder) *Registry {
	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		guards:   make(map[string]*guard),
	}
}

// Register wires an adapter behind its guard. Breaker state changes
// flip the venue's health flag so the opportunity engine and fallback
// selection react without polling.
func (r *Registry) Register(adapter Adapter, vc config.VenueConfig) {
	slug := adapter.Slug()

	settings := gobreaker.Settings{
		Name:        slug,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Venue circuit breaker state changed")
			switch to {
			case gobreaker.StateOpen:
				r.recorder.SetVenueHealth(name, false, "circuit breaker open")
			case gobreaker.StateClosed:
				r.recorder.SetVenueHealth(name, true, "")
			}
		},
	}

	rps := vc.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := vc.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	r.mu.Lock()
	r.guards[slug] = &guard{
		adapter: adapter,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	r.mu.Unlock()
}

// Slugs returns the registered venue slugs.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.guards))
	for slug := range r.guards {
		out = append(out, slug)
	}
	return out
}

func (r *Registry) guardFor(slug string) (*guard, error) {
	r.mu.RLock()
	g, ok := r.guards[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("venue %s is not registered", slug)
	}
	return g, nil
}

// do runs fn through the guard: limiter first, then deadline, then the
// breaker. Every outcome feeds the reliability score.
func (r *Registry) do(ctx context.Context, slug string, fn func(ctx context.Context) (any, error)) (any, error) {
	g, err := r.guardFor(slug)
	if err != nil {
		return nil, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", slug, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.VenueRPCTimeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
	r.recorder.RecordRequest(slug, err == nil)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", slug, err)
	}
	return out, nil
}

// FundingRates fetches the venue's current funding rates.
func (r *Registry) FundingRates(ctx context.Context, slug string) ([]domain.FundingRate, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.FundingRates(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]domain.FundingRate), nil
}

// Quotes fetches prices and depth for the given symbols.
func (r *Registry) Quotes(ctx context.Context, slug string, symbols []string) ([]domain.Quote, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.Quotes(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	return out.([]domain.Quote), nil
}

// Ticker fetches a single fresh quote, used for pre-trade pricing.
func (r *Registry) Ticker(ctx context.Context, slug, symbol string) (domain.Quote, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.Ticker(ctx, symbol)
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return out.(domain.Quote), nil
}

// Positions fetches the venue's live position list.
func (r *Registry) Positions(ctx context.Context, slug string) ([]Position, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.Positions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Position), nil
}

// OpenOrders fetches the venue's open orders.
func (r *Registry) OpenOrders(ctx context.Context, slug string) ([]OrderAck, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.OpenOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]OrderAck), nil
}

// OrderStatus fetches the current fill state of one order.
func (r *Registry) OrderStatus(ctx context.Context, slug, exchangeOrderID string) (OrderAck, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.OrderStatus(ctx, exchangeOrderID)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return out.(OrderAck), nil
}

// MinOrderSize fetches the venue's minimum order quantity for a symbol.
func (r *Registry) MinOrderSize(ctx context.Context, slug, symbol string) (decimal.Decimal, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.MinOrderSize(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return out.(decimal.Decimal), nil
}

// PlaceOrder submits one leg.
func (r *Registry) PlaceOrder(ctx context.Context, slug string, req OrderRequest) (OrderAck, error) {
	out, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return g.adapter.PlaceOrder(ctx, req)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return out.(OrderAck), nil
}

// CancelOrder cancels an open order.
func (r *Registry) CancelOrder(ctx context.Context, slug, symbol, exchangeOrderID string) error {
	_, err := r.do(ctx, slug, func(ctx context.Context) (any, error) {
		g, _ := r.guardFor(slug)
		return nil, g.adapter.CancelOrder(ctx, symbol, exchangeOrderID)
	})
	return err
}
