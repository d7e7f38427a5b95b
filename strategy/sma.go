package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantarc/tradeengine/tickbus"
)

var smaCrossSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"fast_period": {"type": "integer", "minimum": 1},
		"slow_period": {"type": "integer", "minimum": 2}
	},
	"required": ["fast_period", "slow_period"],
	"additionalProperties": true
}`)

type smaParams struct {
	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
}

// smaState is the persisted state: the rolling price window and the open
// position, if any.
type smaState struct {
	Prices   []decimal.Decimal `json:"prices"`
	Position *position         `json:"position"`
}

type position struct {
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  string          `json:"entry_time"`
}

// SMACross goes long when the fast moving average crosses above the slow
// one and flat when it crosses back below.
type SMACross struct {
	fast, slow int
}

func NewSMACross(params json.RawMessage) (Strategy, error) {
	var p smaParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.FastPeriod >= p.SlowPeriod {
		return nil, fmt.Errorf("fast_period must be below slow_period")
	}
	return &SMACross{fast: p.FastPeriod, slow: p.SlowPeriod}, nil
}

func (s *SMACross) OnStart(prior State) (State, []Event) {
	if len(prior) > 0 {
		return prior, nil
	}
	return mustState(&smaState{}), nil
}

func (s *SMACross) OnTick(tick *tickbus.Tick, state State) (State, []Event) {
	st := loadSMAState(state)

	st.Prices = append(st.Prices, tick.Mid())
	if len(st.Prices) > s.slow {
		st.Prices = st.Prices[len(st.Prices)-s.slow:]
	}
	if len(st.Prices) < s.slow {
		return mustState(st), nil
	}

	fastAvg := average(st.Prices[len(st.Prices)-s.fast:])
	slowAvg := average(st.Prices)

	var events []Event
	switch {
	case fastAvg.GreaterThan(slowAvg) && st.Position == nil:
		st.Position = &position{
			Side:       "buy",
			EntryPrice: tick.Mid(),
			EntryTime:  tick.Timestamp.Format(timeLayout),
		}
		events = append(events, Event{
			Type:      "open",
			Timestamp: tick.Timestamp,
			Details: map[string]interface{}{
				"side":        "buy",
				"entry_price": tick.Mid(),
			},
		})
	case fastAvg.LessThan(slowAvg) && st.Position != nil:
		pnl := tick.Mid().Sub(st.Position.EntryPrice)
		events = append(events, Event{
			Type:      "close",
			Timestamp: tick.Timestamp,
			Details: map[string]interface{}{
				"side":        st.Position.Side,
				"entry_price": st.Position.EntryPrice,
				"entry_time":  st.Position.EntryTime,
				"pnl":         pnl,
			},
		})
		st.Position = nil
	}

	return mustState(st), events
}

func (s *SMACross) OnPause(state State) (State, []Event) { return state, nil }

func (s *SMACross) OnResume(state State) (State, []Event) { return state, nil }

func (s *SMACross) OnStop(state State) (State, []Event) { return state, nil }

const timeLayout = "2006-01-02T15:04:05Z07:00"

func loadSMAState(state State) *smaState {
	st := &smaState{}
	if len(state) > 0 {
		json.Unmarshal(state, st)
	}
	return st
}

func mustState(v interface{}) State {
	b, err := json.Marshal(v)
	if err != nil {
		return State(`{}`)
	}
	return State(b)
}

func average(prices []decimal.Decimal) decimal.Decimal {
	var sum decimal.Decimal
	for _, p := range prices {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prices))))
}
