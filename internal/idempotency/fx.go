package idempotency

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Module wires the idempotency cache backed by redis.
var Module = fx.Module("idempotency",
	fx.Provide(func(client *redis.Client) Store { return NewRedisStore(client) }),
	fx.Provide(NewCache),
)
