package events

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Publisher delivers a staged event to the bus. The broker itself is an
// external dependency; this is only the adapter.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel, payload).Err()
}

// LocalPublisher collects events in memory. Used by tests to observe what
// the dispatcher would put on the bus.
type LocalPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

func (p *LocalPublisher) Publish(_ context.Context, _ string, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *LocalPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
