package perf

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func closedTrade(pnl string, exit time.Time) Trade {
	return Trade{PnL: dec(pnl), ExitTime: &exit}
}

func TestComputeTwoTrades(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	trades := []Trade{
		closedTrade("50", t0),
		closedTrade("-20", t0.Add(time.Hour)),
	}

	m := Compute(trades, dec("10000"))

	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.True(t, m.TotalPnL.Equal(dec("30")), "total_pnl = %s", m.TotalPnL)
	assert.True(t, m.RealizedPnL.Equal(dec("30")))
	assert.True(t, m.UnrealizedPnL.IsZero())
	assert.True(t, m.WinRate.Equal(dec("50")), "win_rate = %s", m.WinRate)
	assert.True(t, m.TotalReturn.Equal(dec("0.3")), "total_return = %s", m.TotalReturn)
	assert.True(t, m.AverageWin.Equal(dec("50")))
	assert.True(t, m.AverageLoss.Equal(dec("-20")))

	require.NotNil(t, m.ProfitFactor)
	assert.True(t, m.ProfitFactor.Equal(dec("2.5")), "profit_factor = %s", m.ProfitFactor)

	// Equity curve: starting point with nil timestamp, then one point per trade.
	require.Len(t, m.EquityCurve, 3)
	assert.Nil(t, m.EquityCurve[0].Timestamp)
	assert.True(t, m.EquityCurve[0].Balance.Equal(dec("10000")))
	assert.True(t, m.EquityCurve[1].Balance.Equal(dec("10050")))
	assert.True(t, m.EquityCurve[2].Balance.Equal(dec("10030")))

	// Drawdown from the 10050 peak to 10030.
	want := dec("20").Div(dec("10050")).Mul(dec("100"))
	assert.True(t, m.MaxDrawdown.Equal(want), "max_drawdown = %s", m.MaxDrawdown)

	require.NotNil(t, m.SharpeRatio)
}

func TestComputeNoTrades(t *testing.T) {
	m := Compute(nil, dec("10000"))

	assert.Equal(t, 0, m.TotalTrades)
	assert.True(t, m.TotalPnL.IsZero())
	assert.True(t, m.WinRate.IsZero())
	assert.True(t, m.TotalReturn.IsZero())
	assert.Nil(t, m.ProfitFactor)
	assert.Nil(t, m.SharpeRatio)
	assert.True(t, m.MaxDrawdown.IsZero())

	require.Len(t, m.EquityCurve, 1)
	assert.Nil(t, m.EquityCurve[0].Timestamp)
	assert.True(t, m.EquityCurve[0].Balance.Equal(dec("10000")))
}

func TestProfitFactorCappedWithoutLosses(t *testing.T) {
	t0 := time.Now()
	m := Compute([]Trade{closedTrade("10", t0), closedTrade("5", t0)}, dec("1000"))

	require.NotNil(t, m.ProfitFactor)
	assert.True(t, m.ProfitFactor.Equal(ProfitFactorCap), "profit_factor = %s", m.ProfitFactor)
}

func TestBreakevenTradesCountNeitherSide(t *testing.T) {
	t0 := time.Now()
	m := Compute([]Trade{closedTrade("0", t0), closedTrade("10", t0)}, dec("1000"))

	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 0, m.LosingTrades)
	assert.True(t, m.WinRate.Equal(dec("50")))
}

func TestUnrealizedPnLFromOpenTrade(t *testing.T) {
	t0 := time.Now()
	trades := []Trade{
		closedTrade("40", t0),
		{PnL: dec("-15")}, // open position, no exit time
	}
	m := Compute(trades, dec("1000"))

	assert.True(t, m.TotalPnL.Equal(dec("25")))
	assert.True(t, m.RealizedPnL.Equal(dec("40")))
	assert.True(t, m.UnrealizedPnL.Equal(dec("-15")))
}

func TestSharpeNeedsVariance(t *testing.T) {
	t0 := time.Now()

	m := Compute([]Trade{closedTrade("10", t0)}, dec("1000"))
	assert.Nil(t, m.SharpeRatio, "single trade has no sharpe")

	m = Compute([]Trade{closedTrade("10", t0), closedTrade("10", t0)}, dec("1000"))
	assert.Nil(t, m.SharpeRatio, "identical pnls have zero stddev")

	m = Compute([]Trade{closedTrade("10", t0), closedTrade("20", t0)}, dec("1000"))
	require.NotNil(t, m.SharpeRatio)
	// mean 15, population stddev 5, annualized by sqrt(252).
	assert.InDelta(t, 3.0*15.8745, mustFloat(*m.SharpeRatio), 0.01)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func TestZeroInitialBalance(t *testing.T) {
	t0 := time.Now()
	m := Compute([]Trade{closedTrade("10", t0)}, decimal.Zero)

	assert.True(t, m.TotalReturn.IsZero())
	assert.True(t, m.MaxDrawdown.IsZero())
}

func TestTradeFromPayload(t *testing.T) {
	tr, ok := TradeFromPayload(json.RawMessage(`{
		"side": "buy",
		"pnl": "12.5",
		"entry_price": "1.1000",
		"exit_price": "1.1125",
		"entry_time": "2026-03-01T10:00:00Z",
		"exit_time": "2026-03-01T11:00:00Z"
	}`))
	require.True(t, ok)
	assert.True(t, tr.PnL.Equal(dec("12.5")))
	require.NotNil(t, tr.ExitTime)
	assert.Equal(t, 11, tr.ExitTime.UTC().Hour())
	require.NotNil(t, tr.EntryPrice)
	assert.True(t, tr.EntryPrice.Equal(dec("1.1")))

	// Entries without a pnl are not trades for metric purposes.
	_, ok = TradeFromPayload(json.RawMessage(`{"side":"buy","price":"1.1"}`))
	assert.False(t, ok)

	_, ok = TradeFromPayload(json.RawMessage(`not json`))
	assert.False(t, ok)
}
