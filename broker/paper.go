package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaperGateway simulates a venue in memory. It fills closes at the last
// mark price pushed via MarkPrice.
type PaperGateway struct {
	mu        sync.Mutex
	positions map[string][]Position
	marks     map[string]decimal.Decimal
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		positions: make(map[string][]Position),
		marks:     make(map[string]decimal.Decimal),
	}
}

// MarkPrice updates the price used to fill simulated closes.
func (g *PaperGateway) MarkPrice(instrument string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[instrument] = price
}

// Open records a simulated open position.
func (g *PaperGateway) Open(accountID string, p Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	g.positions[accountID] = append(g.positions[accountID], p)
}

func (g *PaperGateway) OpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Position, len(g.positions[accountID]))
	copy(out, g.positions[accountID])
	return out, nil
}

func (g *PaperGateway) CloseAll(ctx context.Context, accountID string) ([]CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	open := g.positions[accountID]
	results := make([]CloseResult, 0, len(open))
	now := time.Now()
	for _, p := range open {
		mark, ok := g.marks[p.Instrument]
		if !ok {
			mark = p.EntryPrice
		}
		pnl := mark.Sub(p.EntryPrice).Mul(p.Units)
		if p.Side == "sell" {
			pnl = pnl.Neg()
		}
		results = append(results, CloseResult{
			Instrument: p.Instrument,
			Side:       p.Side,
			Units:      p.Units,
			ClosePrice: mark,
			PnL:        pnl,
			ClosedAt:   now,
		})
	}
	delete(g.positions, accountID)
	return results, nil
}
