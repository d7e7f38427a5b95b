package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantarc/tradeengine/tickbus"
)

var thresholdSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"buy_below":  {"type": "string"},
		"sell_above": {"type": "string"}
	},
	"required": ["buy_below", "sell_above"],
	"additionalProperties": true
}`)

type thresholdParams struct {
	BuyBelow  decimal.Decimal `json:"buy_below"`
	SellAbove decimal.Decimal `json:"sell_above"`
}

// Threshold buys when the mid price drops below buy_below and closes the
// position when it rises above sell_above.
type Threshold struct {
	buyBelow  decimal.Decimal
	sellAbove decimal.Decimal
}

func NewThreshold(params json.RawMessage) (Strategy, error) {
	var p thresholdParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if !p.SellAbove.GreaterThan(p.BuyBelow) {
		return nil, fmt.Errorf("sell_above must exceed buy_below")
	}
	return &Threshold{buyBelow: p.BuyBelow, sellAbove: p.SellAbove}, nil
}

type thresholdState struct {
	Position *position `json:"position"`
}

func (t *Threshold) OnStart(prior State) (State, []Event) {
	if len(prior) > 0 {
		return prior, nil
	}
	return mustState(&thresholdState{}), nil
}

func (t *Threshold) OnTick(tick *tickbus.Tick, state State) (State, []Event) {
	st := &thresholdState{}
	if len(state) > 0 {
		json.Unmarshal(state, st)
	}

	mid := tick.Mid()
	var events []Event
	switch {
	case st.Position == nil && mid.LessThan(t.buyBelow):
		st.Position = &position{
			Side:       "buy",
			EntryPrice: mid,
			EntryTime:  tick.Timestamp.Format(timeLayout),
		}
		events = append(events, Event{
			Type:      "open",
			Timestamp: tick.Timestamp,
			Details: map[string]interface{}{
				"side":        "buy",
				"entry_price": mid,
			},
		})
	case st.Position != nil && mid.GreaterThan(t.sellAbove):
		events = append(events, Event{
			Type:      "close",
			Timestamp: tick.Timestamp,
			Details: map[string]interface{}{
				"side":        st.Position.Side,
				"entry_price": st.Position.EntryPrice,
				"entry_time":  st.Position.EntryTime,
				"pnl":         mid.Sub(st.Position.EntryPrice),
			},
		})
		st.Position = nil
	}

	return mustState(st), events
}

func (t *Threshold) OnPause(state State) (State, []Event) { return state, nil }

func (t *Threshold) OnResume(state State) (State, []Event) { return state, nil }

func (t *Threshold) OnStop(state State) (State, []Event) { return state, nil }
