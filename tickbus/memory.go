package tickbus

import (
	"context"
	"sync"
	"time"
)

const memorySubBuffer = 1024

// MemoryBus is an in-process Bus for tests and single-node runs.
// Semantics match RedisBus: no replay, drop on absent or saturated consumers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, channel: channel, ch: make(chan []byte, memorySubBuffer)}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Saturated consumer: drop, same as redis pub/sub under pressure.
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}

func (s *memorySub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

// MemoryReplayRequester records replay requests for tests; a test harness
// drains Requests and plays ticks onto the bus itself.
type MemoryReplayRequester struct {
	mu       sync.Mutex
	Requests []ReplayRequest
	// OnRequest, when set, is invoked synchronously for each request.
	OnRequest func(req ReplayRequest)
}

func (m *MemoryReplayRequester) RequestReplay(ctx context.Context, req ReplayRequest) error {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	handler := m.OnRequest
	m.mu.Unlock()
	if handler != nil {
		handler(req)
	}
	return nil
}
