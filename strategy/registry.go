package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Info describes a registered strategy for API listings.
type Info struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type entry struct {
	info    Info
	factory Factory
	schema  *gojsonschema.Schema
}

// Registry maps strategy ids to factories with JSON Schema validation of
// their parameters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a strategy. schema, when non-nil, is a JSON Schema the
// parameters must satisfy. Duplicate ids are a programming error.
func (r *Registry) Register(id, name string, factory Factory, schema json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("strategy %q already registered", id)
	}

	e := &entry{info: Info{ID: id, Name: name, Schema: schema}, factory: factory}
	if schema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
		if err != nil {
			return fmt.Errorf("strategy %q schema invalid: %w", id, err)
		}
		e.schema = compiled
	}
	r.entries[id] = e
	return nil
}

// IsRegistered reports whether the id is known.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Validate checks params against the strategy's schema without building it.
func (r *Registry) Validate(id string, params json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	return e.validate(params)
}

func (e *entry) validate(params json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("parameters not valid JSON: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		return fmt.Errorf("invalid parameters: %s", errs[0].String())
	}
	return nil
}

// Create validates params and builds the strategy.
func (r *Registry) Create(id string, params json.RawMessage) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	if err := e.validate(params); err != nil {
		return nil, err
	}
	return e.factory(params)
}

// GetAllInfo lists registered strategies sorted by id.
func (r *Registry) GetAllInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register("sma_cross", "SMA Crossover", NewSMACross, smaCrossSchema); err != nil {
		panic(err)
	}
	if err := r.Register("threshold", "Price Threshold", NewThreshold, thresholdSchema); err != nil {
		panic(err)
	}
	return r
}
