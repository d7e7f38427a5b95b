package tickbus

import (
	"context"
	"time"
)

// Bus is a fanout transport carrying raw payloads by channel name.
// Delivery is at-most-once with no replay: messages published before
// Subscribe are never seen, and a slow consumer drops messages rather
// than blocking the producer.
type Bus interface {
	// Subscribe registers a consumer on the channel. The subscription is
	// live before Subscribe returns, so publish-after-subscribe is never
	// lost (backtests rely on this for the eof record).
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Publish sends a payload to current subscribers. Non-blocking; a
	// channel with no subscribers drops the payload.
	Publish(ctx context.Context, channel string, payload []byte) error

	Close() error
}

// Subscription is a single consumer's view of a channel.
type Subscription interface {
	// Receive blocks until a payload arrives, the timeout elapses
	// (returns ErrTimeout), or the subscription is closed.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	Close() error
}

// ReplayRequester asks the historical tick producer to publish a bounded
// replay onto a derived backtest channel. The producer eventually emits an
// eof control record with the tick count on that channel.
type ReplayRequester interface {
	RequestReplay(ctx context.Context, req ReplayRequest) error
}

// ReplayRequest identifies one backtest replay.
type ReplayRequest struct {
	Instrument string    `json:"instrument"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source,omitempty"`
}
