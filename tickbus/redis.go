package tickbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over redis pub/sub. Redis gives exactly the
// contract we need: fanout by channel name, at-most-once, no replay.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{client: client}, nil
}

// NewRedisBusFromClient wraps an existing client (shared with the lock layer).
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed by the server. Without this
	// a publish racing the subscribe can be lost, which would eat the eof
	// record of a backtest replay.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return &redisSub{pubsub: pubsub}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
}

func (s *redisSub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		// go-redis surfaces the deadline as a net timeout error.
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	case *redis.Subscription:
		// Subscription confirmations are not data.
		return nil, ErrTimeout
	default:
		return nil, ErrTimeout
	}
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}

// RedisReplayRequester publishes replay commands for the historical tick
// producer on a well-known request channel. The producer answers on the
// derived per-backtest channel.
type RedisReplayRequester struct {
	client  *redis.Client
	channel string
}

func NewRedisReplayRequester(client *redis.Client, channel string) *RedisReplayRequester {
	return &RedisReplayRequester{client: client, channel: channel}
}

func (r *RedisReplayRequester) RequestReplay(ctx context.Context, req ReplayRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}
