package events

import (
	"context"
	"encoding/json"

	"github.com/openprocure/provena/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ConsumerParams struct {
	fx.In

	Client  *redis.Client
	Log     *zap.Logger
	Config  config.Config
	Handler Handler
}

// Consumer subscribes to the bus channel and hands every message to the
// registered handler. Delivery is at-least-once; de-duplication is the
// handler's responsibility.
type Consumer struct {
	client  *redis.Client
	log     *zap.Logger
	channel string
	handler Handler
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		client:  p.Client,
		log:     p.Log.Named("events.consumer"),
		channel: p.Config.EventChannel,
		handler: p.Handler,
	}
}

// Run blocks consuming messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.ProcessMessage(ctx, []byte(msg.Payload)); err != nil {
				c.log.Error("event handling failed", zap.Error(err))
			}
		}
	}
}

// ProcessMessage decodes one raw bus message and invokes the handler.
// Split out so tests can drive the consumer without a broker.
func (c *Consumer) ProcessMessage(ctx context.Context, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn("dropping undecodable event", zap.Error(err))
		return nil
	}
	return c.handler(ctx, ev)
}
