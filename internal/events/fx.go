package events

import (
	"context"

	"github.com/openprocure/provena/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(NewRedisClient),
	fx.Provide(NewOutbox),
	fx.Provide(func(client *redis.Client) Publisher { return NewRedisPublisher(client) }),
	fx.Provide(NewConsumer),
	fx.Invoke(RunConsumer),
)

func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func RunConsumer(lc fx.Lifecycle, consumer *Consumer) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() { _ = consumer.Run(runCtx) }()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
