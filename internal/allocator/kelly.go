package allocator

import "sync"

// edgeStats accumulates realized outcomes for Kelly sizing.
type edgeStats struct {
	Wins    int
	Losses  int
	AvgWin  float64 // mean winning P&L, USD
	AvgLoss float64 // mean losing P&L magnitude, USD
}

// minEdgeSamples is the observation floor before per-symbol edge data
// is trusted over the overall book.
const minEdgeSamples = 5

func (e *edgeStats) record(pnl float64) {
	if pnl > 0 {
		e.AvgWin = runningMean(e.AvgWin, e.Wins, pnl)
		e.Wins++
		return
	}
	e.AvgLoss = runningMean(e.AvgLoss, e.Losses, -pnl)
	e.Losses++
}

func (e edgeStats) samples() int { return e.Wins + e.Losses }

// kellyFraction returns the half-Kelly fraction f = 0.5*(b*p - q)/b
// where b is the win/loss ratio. ok is false when the stats cannot
// support an estimate.
func (e *edgeStats) kellyFraction(fraction float64) (float64, bool) {
	if e.samples() == 0 || e.AvgLoss <= 0 || e.AvgWin <= 0 {
		return 0, false
	}
	b := e.AvgWin / e.AvgLoss
	p := float64(e.Wins) / float64(e.samples())
	q := 1 - p
	return fraction * (b*p - q) / b, true
}

// edgeBook tracks per-symbol and overall edges.
type edgeBook struct {
	mu       sync.Mutex
	bySymbol map[string]*edgeStats
	overall  edgeStats
}

func newEdgeBook() *edgeBook {
	return &edgeBook{bySymbol: make(map[string]*edgeStats)}
}

// Record folds one closed-position outcome into the book.
func (b *edgeBook) Record(symbol string, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.bySymbol[symbol]
	if !ok {
		s = &edgeStats{}
		b.bySymbol[symbol] = s
	}
	s.record(pnl)
	b.overall.record(pnl)
}

// Edge returns the stats to size with: the symbol's own when it has
// enough observations, the overall book otherwise.
func (b *edgeBook) Edge(symbol string) edgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.bySymbol[symbol]; ok && s.samples() >= minEdgeSamples {
		return *s
	}
	return b.overall
}

func runningMean(mean float64, n int, next float64) float64 {
	return (mean*float64(n) + next) / float64(n+1)
}
