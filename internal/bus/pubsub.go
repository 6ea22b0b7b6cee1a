package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Message is one delivery from the broker.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live set of channel subscriptions.
type Subscription interface {
	// Messages yields deliveries until the subscription is closed.
	Messages() <-chan Message
	Close() error
}

// PubSub abstracts the broker. The daemon injects a Redis implementation;
// tests use an in-memory hub.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

type redisPubSub struct {
	rdb *redis.Client
}

// NewRedisPubSub adapts a go-redis client to the PubSub interface.
func NewRedisPubSub(rdb *redis.Client) PubSub {
	return &redisPubSub{rdb: rdb}
}

func (p *redisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

func (p *redisPubSub) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := p.rdb.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round-trip so broker-unreachable surfaces here, not
	// on the first missed message.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return &redisSubscription{ps: ps, out: out}, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }
