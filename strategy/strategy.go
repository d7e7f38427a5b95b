// Package strategy defines the pluggable trading strategy contract and a
// registry of built-in implementations.
package strategy

import (
	"encoding/json"
	"time"

	"github.com/quantarc/tradeengine/tickbus"
)

// Event is a signal a strategy emits in response to a lifecycle hook or
// a tick. Details is strategy-defined; the worker enriches it with the
// tick context before persisting.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
}

// State is the strategy's persisted state blob. Opaque to the engine;
// the worker saves it on pause/stop and hands it back on resume.
type State = json.RawMessage

// Strategy reacts to ticks and lifecycle transitions. Every hook returns
// the state to persist and any events to record. Implementations are
// used by a single goroutine and need no internal locking.
type Strategy interface {
	// OnStart is called once before the first tick. prior is the saved
	// state from a previous execution when resuming, nil on a cold start.
	OnStart(prior State) (State, []Event)

	OnTick(tick *tickbus.Tick, state State) (State, []Event)

	OnPause(state State) (State, []Event)
	OnResume(state State) (State, []Event)

	// OnStop is the strategy's chance to close bookkeeping. The worker
	// handles position closing separately; OnStop must not assume it ran.
	OnStop(state State) (State, []Event)
}

// Factory builds a strategy from its validated parameter document.
type Factory func(params json.RawMessage) (Strategy, error)
