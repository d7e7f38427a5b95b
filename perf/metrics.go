// Package perf computes execution performance metrics from completed
// trades. Pure computation, no I/O; all money math is decimal.
package perf

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ProfitFactorCap is reported when there are wins and no losses: the
// ratio is infinite, and downstream consumers want a finite sentinel.
var ProfitFactorCap = decimal.RequireFromString("999.9999")

// tradingDaysPerYear annualizes the per-trade Sharpe ratio.
const tradingDaysPerYear = 252

// Trade is one completed trade as the aggregator sees it. Unknown payload
// keys are ignored; only the conventional fields matter here.
type Trade struct {
	PnL        decimal.Decimal
	EntryTime  *time.Time
	ExitTime   *time.Time
	EntryPrice *decimal.Decimal
	ExitPrice  *decimal.Decimal
}

// tradePayload is the conventional wire shape of a trade log entry.
type tradePayload struct {
	PnL        *decimal.Decimal `json:"pnl"`
	EntryTime  *string          `json:"entry_time"`
	ExitTime   *string          `json:"exit_time"`
	EntryPrice *decimal.Decimal `json:"entry_price"`
	ExitPrice  *decimal.Decimal `json:"exit_price"`
}

// TradeFromPayload decodes the conventional fields out of an opaque trade
// payload. A payload without a pnl is not a trade and returns false.
func TradeFromPayload(payload json.RawMessage) (Trade, bool) {
	var p tradePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PnL == nil {
		return Trade{}, false
	}
	tr := Trade{PnL: *p.PnL, EntryPrice: p.EntryPrice, ExitPrice: p.ExitPrice}
	if p.EntryTime != nil {
		if ts, err := time.Parse(time.RFC3339, *p.EntryTime); err == nil {
			tr.EntryTime = &ts
		}
	}
	if p.ExitTime != nil {
		if ts, err := time.Parse(time.RFC3339, *p.ExitTime); err == nil {
			tr.ExitTime = &ts
		}
	}
	return tr, true
}

// EquityPoint is one point of the equity curve. The starting point has a
// nil timestamp and carries the initial balance.
type EquityPoint struct {
	Timestamp *time.Time      `json:"timestamp"`
	Balance   decimal.Decimal `json:"balance"`
}

// Metrics is the aggregate over a trade list. ProfitFactor and
// SharpeRatio are nil where mathematically undefined.
type Metrics struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalReturn   decimal.Decimal `json:"total_return"`
	WinRate       decimal.Decimal `json:"win_rate"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	ProfitFactor  *decimal.Decimal `json:"profit_factor"`
	MaxDrawdown   decimal.Decimal  `json:"max_drawdown"`
	SharpeRatio   *decimal.Decimal `json:"sharpe_ratio"`
	EquityCurve   []EquityPoint    `json:"equity_curve"`
}

var hundred = decimal.NewFromInt(100)

// Compute aggregates metrics over the trades in order.
func Compute(trades []Trade, initialBalance decimal.Decimal) *Metrics {
	m := &Metrics{TotalTrades: len(trades)}

	var winSum, lossSum decimal.Decimal
	for _, tr := range trades {
		m.TotalPnL = m.TotalPnL.Add(tr.PnL)
		if tr.ExitTime != nil {
			m.RealizedPnL = m.RealizedPnL.Add(tr.PnL)
		}
		switch tr.PnL.Sign() {
		case 1:
			m.WinningTrades++
			winSum = winSum.Add(tr.PnL)
		case -1:
			m.LosingTrades++
			lossSum = lossSum.Add(tr.PnL)
		}
	}
	m.UnrealizedPnL = m.TotalPnL.Sub(m.RealizedPnL)

	if initialBalance.Sign() > 0 {
		m.TotalReturn = m.TotalPnL.Div(initialBalance).Mul(hundred)
	}
	if m.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).
			Div(decimal.NewFromInt(int64(m.TotalTrades))).Mul(hundred)
	}
	if m.WinningTrades > 0 {
		m.AverageWin = winSum.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = lossSum.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}

	m.ProfitFactor = profitFactor(winSum, lossSum)
	m.EquityCurve = equityCurve(trades, initialBalance)
	m.MaxDrawdown = maxDrawdown(m.EquityCurve)
	m.SharpeRatio = sharpeRatio(trades)

	return m
}

// profitFactor is wins/|losses|: nil when there is nothing on either
// side, the cap sentinel when there are wins and no losses.
func profitFactor(winSum, lossSum decimal.Decimal) *decimal.Decimal {
	if lossSum.IsZero() {
		if winSum.IsZero() {
			return nil
		}
		pf := ProfitFactorCap
		return &pf
	}
	pf := winSum.Div(lossSum.Abs())
	return &pf
}

func equityCurve(trades []Trade, initialBalance decimal.Decimal) []EquityPoint {
	curve := make([]EquityPoint, 0, len(trades)+1)
	curve = append(curve, EquityPoint{Timestamp: nil, Balance: initialBalance})
	balance := initialBalance
	for _, tr := range trades {
		balance = balance.Add(tr.PnL)
		curve = append(curve, EquityPoint{Timestamp: tr.ExitTime, Balance: balance})
	}
	return curve
}

func maxDrawdown(curve []EquityPoint) decimal.Decimal {
	var maxDD decimal.Decimal
	peak := decimal.Decimal{}
	for i, pt := range curve {
		if i == 0 || pt.Balance.GreaterThan(peak) {
			peak = pt.Balance
		}
		if peak.Sign() <= 0 {
			continue
		}
		dd := peak.Sub(pt.Balance).Div(peak).Mul(hundred)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpeRatio annualizes mean/stddev of per-trade PnL with the population
// standard deviation. Needs more than one trade and non-zero variance.
func sharpeRatio(trades []Trade) *decimal.Decimal {
	if len(trades) < 2 {
		return nil
	}
	n := decimal.NewFromInt(int64(len(trades)))

	var sum decimal.Decimal
	for _, tr := range trades {
		sum = sum.Add(tr.PnL)
	}
	mean := sum.Div(n)

	var varSum decimal.Decimal
	for _, tr := range trades {
		d := tr.PnL.Sub(mean)
		varSum = varSum.Add(d.Mul(d))
	}
	variance, _ := varSum.Div(n).Float64()
	stddev := math.Sqrt(variance)
	if stddev <= 0 {
		return nil
	}

	meanF, _ := mean.Float64()
	sharpe := decimal.NewFromFloat(meanF / stddev * math.Sqrt(tradingDaysPerYear)).Round(6)
	return &sharpe
}
