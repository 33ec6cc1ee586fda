package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/domain"
)

// Paper is an in-memory venue used for dry-run mode and tests. Market
// orders fill immediately at the posted quote unless a fill ratio or
// failure is scripted.
type Paper struct {
	slug string

	mu         sync.Mutex
	funding    map[string]domain.FundingRate
	quotes     map[string]domain.Quote
	minSizes   map[string]decimal.Decimal
	orders     map[string]OrderAck
	pendings   map[string]pending
	positions  map[string]Position
	nextID     int
	fillRatio  decimal.Decimal // next order fills this fraction (1 = full)
	failNext   error           // next PlaceOrder returns this error
	holdOrders bool            // leave orders SUBMITTED until AdvanceFills
}

// NewPaper creates a paper venue with the given slug.
func NewPaper(slug string) *Paper {
	return &Paper{
		slug:      slug,
		funding:   make(map[string]domain.FundingRate),
		quotes:    make(map[string]domain.Quote),
		minSizes:  make(map[string]decimal.Decimal),
		orders:    make(map[string]OrderAck),
		pendings:  make(map[string]pending),
		positions: make(map[string]Position),
		fillRatio: decimal.NewFromInt(1),
	}
}

func (p *Paper) Slug() string { return p.slug }

// SetFundingRate seeds a funding rate.
func (p *Paper) SetFundingRate(fr domain.FundingRate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr.Venue = p.slug
	p.funding[fr.Symbol] = fr
}

// SetQuote seeds a quote.
func (p *Paper) SetQuote(q domain.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Venue = p.slug
	p.quotes[q.Symbol] = q
}

// SetMinOrderSize seeds the minimum order quantity for a symbol.
func (p *Paper) SetMinOrderSize(symbol string, size decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minSizes[symbol] = size
}

// FailNextOrder makes the next PlaceOrder return err.
func (p *Paper) FailNextOrder(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// SetFillRatio scripts the filled fraction for subsequent orders.
func (p *Paper) SetFillRatio(ratio decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillRatio = ratio
}

// HoldOrders leaves subsequent orders unfilled until AdvanceFills.
func (p *Paper) HoldOrders(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdOrders = hold
}

// AdvanceFills fills every held order up to the scripted ratio.
func (p *Paper) AdvanceFills() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ack := range p.orders {
		if ack.State != domain.OrderSubmitted && ack.State != domain.OrderPartial {
			continue
		}
		p.orders[id] = p.fillLocked(ack)
	}
}

func (p *Paper) FundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.FundingRate, 0, len(p.funding))
	for _, fr := range p.funding {
		out = append(out, fr)
	}
	return out, nil
}

func (p *Paper) Quotes(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Quote
	for _, s := range symbols {
		if q, ok := p.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (p *Paper) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *Paper) OpenOrders(ctx context.Context) ([]OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderAck
	for _, ack := range p.orders {
		if ack.State == domain.OrderSubmitted || ack.State == domain.OrderPartial {
			out = append(out, ack)
		}
	}
	return out, nil
}

func (p *Paper) OrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderAck{}, ErrOrderNotFound
	}
	return ack, nil
}

func (p *Paper) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size, ok := p.minSizes[symbol]; ok {
		return size, nil
	}
	return decimal.Zero, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return OrderAck{}, err
	}

	q, ok := p.quotes[req.Symbol]
	if !ok {
		return OrderAck{}, fmt.Errorf("no market for %s", req.Symbol)
	}

	p.nextID++
	ack := OrderAck{
		ExchangeOrderID: fmt.Sprintf("%s-%d", p.slug, p.nextID),
		State:           domain.OrderSubmitted,
		FilledQuantity:  decimal.Zero,
		AvgFillPrice:    decimal.Zero,
	}

	price := q.Ask
	if req.Side == domain.SideSell {
		price = q.Bid
	}
	p.pendings[ack.ExchangeOrderID] = pending{req: req, price: price}

	if !p.holdOrders {
		ack = p.fillLocked(ack)
	}
	p.orders[ack.ExchangeOrderID] = ack
	return ack, nil
}

// pending keeps the original request so fillLocked can apply it later
// without re-deriving quantities.
type pending struct {
	req   OrderRequest
	price decimal.Decimal
}

func (p *Paper) fillLocked(ack OrderAck) OrderAck {
	pen, ok := p.pendings[ack.ExchangeOrderID]
	if !ok {
		return ack
	}

	target := pen.req.Quantity.Mul(p.fillRatio)
	ack.FilledQuantity = target
	ack.AvgFillPrice = pen.price
	if p.fillRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		ack.State = domain.OrderFilled
	} else {
		ack.State = domain.OrderPartial
	}

	p.applyPositionLocked(pen.req, target, pen.price)
	return ack
}

func (p *Paper) applyPositionLocked(req OrderRequest, qty, price decimal.Decimal) {
	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = Position{Symbol: req.Symbol, Side: req.Side, EntryPrice: price, MarkPrice: price}
	}
	if req.Side == pos.Side {
		pos.Quantity = pos.Quantity.Add(qty)
	} else {
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.Sign() < 0 {
			pos.Side = req.Side
			pos.Quantity = pos.Quantity.Abs()
		}
	}
	if pos.Quantity.Sign() == 0 {
		delete(p.positions, req.Symbol)
		return
	}
	p.positions[req.Symbol] = pos
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack, ok := p.orders[exchangeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if ack.State == domain.OrderSubmitted || ack.State == domain.OrderPartial {
		ack.State = domain.OrderCancelled
		p.orders[exchangeOrderID] = ack
	}
	return nil
}
