// Package marketstate holds the latest funding, price, and venue health
// records published by ingest. Readers get snapshot copies; writes are
// validated and serialized per (venue, symbol) key.
package marketstate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// Key identifies one (venue, symbol) record.
type Key struct {
	Venue  string
	Symbol string
}

// Cache is the C1 market state store.
type Cache struct {
	cfg config.MarketConfig

	mu      sync.RWMutex
	funding map[Key]domain.FundingRate
	quotes  map[Key]domain.Quote
	health  map[string]*domain.VenueHealth
	history map[Key][]decimal.Decimal // trailing rates backing the jump gate
}

// New creates an empty cache.
func New(cfg config.MarketConfig) *Cache {
	return &Cache{
		cfg:     cfg,
		funding: make(map[Key]domain.FundingRate),
		quotes:  make(map[Key]domain.Quote),
		health:  make(map[string]*domain.VenueHealth),
		history: make(map[Key][]decimal.Decimal),
	}
}

// RegisterVenue seeds a venue health record. Venues start healthy with
// full reliability; the EWMA takes over from the first request.
func (c *Cache) RegisterVenue(venue string, tier int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.health[venue]; ok {
		return
	}
	c.health[venue] = &domain.VenueHealth{
		Venue:        venue,
		Healthy:      true,
		Reliability:  1.0,
		PriorityTier: tier,
	}
}

// SetFundingRate validates and stores a funding update. Violations are
// rejected and counted against the venue.
func (c *Cache) SetFundingRate(fr domain.FundingRate) error {
	if fr.IntervalHours <= 0 {
		fr.IntervalHours = 8
	}
	if fr.UpdatedAt.IsZero() {
		fr.UpdatedAt = time.Now().UTC()
	}

	if fr.Rate.Abs().GreaterThan(c.cfg.MaxAbsFundingRate) {
		c.recordError(fr.Venue)
		return fmt.Errorf("funding rate %s for %s/%s exceeds bound %s",
			fr.Rate, fr.Venue, fr.Symbol, c.cfg.MaxAbsFundingRate)
	}

	key := Key{Venue: fr.Venue, Symbol: fr.Symbol}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.jumpCheckLocked(key, fr.Rate); err != nil {
		c.recordErrorLocked(fr.Venue)
		return err
	}

	c.funding[key] = fr
	hist := append(c.history[key], fr.Rate)
	if n := c.cfg.RateHistoryLen; n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	c.history[key] = hist
	return nil
}

// jumpCheckLocked rejects rates that jump implausibly far from the
// trailing median for the same key. Needs at least 4 samples to judge.
func (c *Cache) jumpCheckLocked(key Key, rate decimal.Decimal) error {
	hist := c.history[key]
	if len(hist) < 4 {
		return nil
	}

	med := median(hist)
	mad := medianAbsDeviation(hist, med)

	limit := mad.Mul(decimal.NewFromFloat(c.cfg.JumpMADMultiple))
	if limit.LessThan(c.cfg.JumpFloor) {
		limit = c.cfg.JumpFloor
	}

	if rate.Sub(med).Abs().GreaterThan(limit) {
		return fmt.Errorf("funding rate %s for %s/%s jumped beyond %s of trailing median %s",
			rate, key.Venue, key.Symbol, limit, med)
	}
	return nil
}

// SetQuote validates and stores a quote update.
func (c *Cache) SetQuote(q domain.Quote) error {
	if q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		c.recordError(q.Venue)
		return fmt.Errorf("quote for %s/%s has non-positive bid/ask", q.Venue, q.Symbol)
	}
	if q.Ask.LessThan(q.Bid) {
		c.recordError(q.Venue)
		return fmt.Errorf("quote for %s/%s is crossed: bid %s > ask %s", q.Venue, q.Symbol, q.Bid, q.Ask)
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[Key{Venue: q.Venue, Symbol: q.Symbol}] = q
	return nil
}

// FundingRate returns the latest rate for the key.
func (c *Cache) FundingRate(venue, symbol string) (domain.FundingRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fr, ok := c.funding[Key{Venue: venue, Symbol: symbol}]
	return fr, ok
}

// Quote returns the latest quote for the key.
func (c *Cache) Quote(venue, symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[Key{Venue: venue, Symbol: symbol}]
	return q, ok
}

// VenuesForSymbol returns every venue with a funding record for symbol.
func (c *Cache) VenuesForSymbol(symbol string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var venues []string
	for key := range c.funding {
		if key.Symbol == symbol {
			venues = append(venues, key.Venue)
		}
	}
	sort.Strings(venues)
	return venues
}

// Symbols returns every symbol with at least one funding record.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := make(map[string]struct{})
	for key := range c.funding {
		set[key.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RecordRequest folds one request outcome into the venue's reliability
// EWMA over the trailing K requests.
func (c *Cache) RecordRequest(venue string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.healthLocked(venue)
	h.RequestCount++
	sample := 1.0
	if !ok {
		h.ErrorCount++
		h.LastErrorTime = time.Now().UTC()
		sample = 0.0
	}

	k := c.cfg.ReliabilityWindow
	if k <= 0 {
		k = 50
	}
	alpha := 2.0 / (float64(k) + 1.0)
	h.Reliability = alpha*sample + (1-alpha)*h.Reliability
}

func (c *Cache) recordError(venue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordErrorLocked(venue)
}

func (c *Cache) recordErrorLocked(venue string) {
	h := c.healthLocked(venue)
	h.ErrorCount++
	h.LastErrorTime = time.Now().UTC()
	log.Debug().Str("venue", venue).Int64("errors", h.ErrorCount).Msg("venue error recorded")
}

func (c *Cache) healthLocked(venue string) *domain.VenueHealth {
	h, ok := c.health[venue]
	if !ok {
		h = &domain.VenueHealth{Venue: venue, Healthy: true, Reliability: 1.0, PriorityTier: 2}
		c.health[venue] = h
	}
	return h
}

// SetVenueHealth flips a venue's health flag with a reason.
func (c *Cache) SetVenueHealth(venue string, healthy bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.healthLocked(venue)
	h.Healthy = healthy
	h.Reason = reason
}

// VenueHealth returns a copy of the venue's health record.
func (c *Cache) VenueHealth(venue string) (domain.VenueHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[venue]
	if !ok {
		return domain.VenueHealth{}, false
	}
	return *h, true
}

// IsHealthy reports whether the venue is currently usable.
func (c *Cache) IsHealthy(venue string) bool {
	h, ok := c.VenueHealth(venue)
	return ok && h.Healthy
}

// VenuesByPriority returns healthy venues ordered by (priority tier
// ascending, reliability descending). Callers use the head as primary.
func (c *Cache) VenuesByPriority() []domain.VenueHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.VenueHealth, 0, len(c.health))
	for _, h := range c.health {
		if h.Healthy {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityTier != out[j].PriorityTier {
			return out[i].PriorityTier < out[j].PriorityTier
		}
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// Fallback returns the next healthy venue after primary with reliability
// at or above the configured floor. A primary failure gets exactly one
// fallback attempt.
func (c *Cache) Fallback(primary string) (string, bool) {
	for _, h := range c.VenuesByPriority() {
		if h.Venue == primary {
			continue
		}
		if h.Reliability >= c.cfg.FallbackMinScore {
			return h.Venue, true
		}
	}
	return "", false
}

func median(vals []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	n := len(sorted)
	if n%2 == 0 {
		return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
	}
	return sorted[n/2]
}

func medianAbsDeviation(vals []decimal.Decimal, med decimal.Decimal) decimal.Decimal {
	devs := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		devs[i] = v.Sub(med).Abs()
	}
	return median(devs)
}
