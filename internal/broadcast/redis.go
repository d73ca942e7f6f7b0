package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/veramed/caregate/internal/log"
)

const defaultChannel = "caregate:logout"

// Redis broadcasts logout events over Redis pub/sub so every gateway
// instance observes a logout regardless of which one handled it.
type Redis struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	nextID int
	subs   map[int]func(LogoutEvent)

	pubsub *redis.PubSub
	done   chan struct{}
}

var _ Broadcaster = (*Redis)(nil)

// NewRedis creates a Redis-backed broadcaster and starts its receive loop.
func NewRedis(ctx context.Context, client redis.UniversalClient) *Redis {
	b := &Redis{
		client:  client,
		channel: defaultChannel,
		subs:    make(map[int]func(LogoutEvent)),
		done:    make(chan struct{}),
	}

	b.pubsub = client.Subscribe(ctx, b.channel)
	go b.receive()

	return b
}

func (b *Redis) receive() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var ev LogoutEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.LogWarnWithFields("broadcast", "Dropping malformed logout event", map[string]any{
					"error": err.Error(),
				})
				continue
			}

			b.mu.Lock()
			observers := make([]func(LogoutEvent), 0, len(b.subs))
			for _, fn := range b.subs {
				observers = append(observers, fn)
			}
			b.mu.Unlock()

			for _, fn := range observers {
				fn(ev)
			}
		}
	}
}

func (b *Redis) Publish(ctx context.Context, ev LogoutEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal logout event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish logout event: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(fn func(LogoutEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Redis) Close() error {
	close(b.done)
	return b.pubsub.Close()
}
