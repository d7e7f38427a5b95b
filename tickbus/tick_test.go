package tickbus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecodeTickComputesMid(t *testing.T) {
	payload := []byte(`{"instrument":"EUR_USD","timestamp":"2024-01-01T00:00:00Z","bid":"1.10000","ask":"1.10020"}`)
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Kind != KindTick {
		t.Fatalf("Expected tick, got %s", msg.Kind)
	}
	want := decimal.RequireFromString("1.10010")
	if !msg.Tick.Mid().Equal(want) {
		t.Errorf("Expected mid %s, got %s", want, msg.Tick.Mid())
	}
}

func TestDecodeTickPrefersProducerMid(t *testing.T) {
	payload := []byte(`{"instrument":"EUR_USD","timestamp":"2024-01-01T00:00:00Z","bid":"1.1","ask":"1.2","mid":"1.15"}`)
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !msg.Tick.Mid().Equal(decimal.RequireFromString("1.15")) {
		t.Errorf("Expected producer mid 1.15, got %s", msg.Tick.Mid())
	}
}

func TestDecodeGarbageMidFallsBack(t *testing.T) {
	// Source feeds have been seen emitting "none"/"nan" for mid.
	payload := []byte(`{"instrument":"EUR_USD","timestamp":"2024-01-01T00:00:00Z","bid":"1.0","ask":"2.0","mid":"none"}`)
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !msg.Tick.Mid().Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected computed mid 1.5, got %s", msg.Tick.Mid())
	}
}

func TestDecodeControlRecords(t *testing.T) {
	msg, err := Decode(EncodeEOF(3600))
	if err != nil {
		t.Fatalf("Decode eof failed: %v", err)
	}
	if msg.Kind != KindEOF || msg.Count != 3600 {
		t.Errorf("Expected eof count 3600, got %s count %d", msg.Kind, msg.Count)
	}

	msg, err = Decode(EncodeStopped("operator stop"))
	if err != nil {
		t.Fatalf("Decode stopped failed: %v", err)
	}
	if msg.Kind != KindStopped || msg.Message != "operator stop" {
		t.Errorf("Unexpected stopped record: %+v", msg)
	}

	msg, err = Decode(EncodeError("feed gone"))
	if err != nil {
		t.Fatalf("Decode error record failed: %v", err)
	}
	if msg.Kind != KindError || msg.Message != "feed gone" {
		t.Errorf("Unexpected error record: %+v", msg)
	}
}

func TestDecodeRejectsUnknownPayloads(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"ACCOUNT_UPDATE"}`)); err == nil {
		t.Error("Expected error for non-price payload")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed payload")
	}
	if _, err := Decode([]byte(`{"instrument":"EUR_USD"}`)); err == nil {
		t.Error("Expected error for tick missing prices")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tick := NewTick("GBP_USD", ts, decimal.RequireFromString("1.2650"), decimal.RequireFromString("1.2652"))
	msg, err := Decode(EncodeTick(tick))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Tick.Instrument != "GBP_USD" || !msg.Tick.Timestamp.Equal(ts) {
		t.Errorf("Round trip mangled tick: %+v", msg.Tick)
	}
	if !msg.Tick.Bid.Equal(tick.Bid) || !msg.Tick.Ask.Equal(tick.Ask) {
		t.Errorf("Round trip mangled prices: %+v", msg.Tick)
	}
}
