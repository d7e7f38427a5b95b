package tickbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Message kinds carried on a tick channel. A live channel only ever carries
// price ticks; backtest channels additionally carry control records that
// terminate the stream.
const (
	KindTick    = "tick"
	KindEOF     = "eof"
	KindStopped = "stopped"
	KindError   = "error"
)

// Tick is a single price observation. Prices travel as decimal strings and
// are compared with decimal arithmetic; binary floats lose pips.
type Tick struct {
	Instrument string
	Timestamp  time.Time
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	mid        *decimal.Decimal
}

// Mid returns the mid price, computing (bid+ask)/2 when the producer
// did not include one.
func (t *Tick) Mid() decimal.Decimal {
	if t.mid != nil {
		return *t.mid
	}
	m := t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	t.mid = &m
	return m
}

// Message is a decoded tick-channel payload: either a price tick or a
// control record. Exactly one of Tick / control fields is meaningful,
// discriminated by Kind.
type Message struct {
	Kind    string
	Tick    *Tick
	Count   int    // eof: number of ticks the producer published
	Message string // stopped/error: human-readable reason
}

// wirePayload is the JSON shape on the bus. The producer writes prices as
// strings; "type" is absent on plain price ticks from the live feed.
type wirePayload struct {
	Type       string `json:"type,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Bid        string `json:"bid,omitempty"`
	Ask        string `json:"ask,omitempty"`
	Mid        string `json:"mid,omitempty"`
	Count      int    `json:"count,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Decode parses a raw bus payload into a Message. Payloads that are neither
// price ticks nor known control records return an error; callers drop them
// silently.
func Decode(data []byte) (*Message, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed tick payload: %w", err)
	}

	switch w.Type {
	case KindEOF:
		return &Message{Kind: KindEOF, Count: w.Count}, nil
	case KindStopped:
		return &Message{Kind: KindStopped, Message: w.Message}, nil
	case KindError:
		return &Message{Kind: KindError, Message: w.Message}, nil
	case "", KindTick, "PRICE":
		// fall through to tick decoding
	default:
		return nil, fmt.Errorf("unknown payload type %q", w.Type)
	}

	if w.Instrument == "" || w.Bid == "" || w.Ask == "" {
		return nil, fmt.Errorf("tick payload missing required fields")
	}

	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad tick timestamp %q: %w", w.Timestamp, err)
	}
	bid, err := decimal.NewFromString(w.Bid)
	if err != nil {
		return nil, fmt.Errorf("bad bid %q: %w", w.Bid, err)
	}
	ask, err := decimal.NewFromString(w.Ask)
	if err != nil {
		return nil, fmt.Errorf("bad ask %q: %w", w.Ask, err)
	}

	tick := &Tick{Instrument: w.Instrument, Timestamp: ts, Bid: bid, Ask: ask}
	if w.Mid != "" {
		if mid, err := decimal.NewFromString(w.Mid); err == nil {
			tick.mid = &mid
		}
		// A garbage mid falls back to computed (bid+ask)/2.
	}
	return &Message{Kind: KindTick, Tick: tick}, nil
}

// EncodeTick serializes a price tick for publication.
func EncodeTick(t *Tick) []byte {
	w := wirePayload{
		Type:       KindTick,
		Instrument: t.Instrument,
		Timestamp:  t.Timestamp.UTC().Format(time.RFC3339),
		Bid:        t.Bid.String(),
		Ask:        t.Ask.String(),
	}
	if t.mid != nil {
		w.Mid = t.mid.String()
	}
	data, _ := json.Marshal(w)
	return data
}

// EncodeEOF serializes the end-of-replay control record.
func EncodeEOF(count int) []byte {
	data, _ := json.Marshal(wirePayload{Type: KindEOF, Count: count})
	return data
}

// EncodeStopped serializes the producer-side stop control record.
func EncodeStopped(message string) []byte {
	data, _ := json.Marshal(wirePayload{Type: KindStopped, Message: message})
	return data
}

// EncodeError serializes the producer-side error control record.
func EncodeError(message string) []byte {
	data, _ := json.Marshal(wirePayload{Type: KindError, Message: message})
	return data
}

// NewTick builds a tick with an explicit mid, used by producers and tests.
func NewTick(instrument string, ts time.Time, bid, ask decimal.Decimal) *Tick {
	return &Tick{Instrument: instrument, Timestamp: ts, Bid: bid, Ask: ask}
}
