package worker

import (
	"context"

	"github.com/bsm/redislock"
	"github.com/openprocure/provena/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(DefaultConfig),
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(Run),
)

func NewLocker(client *redis.Client) *redislock.Client {
	if client == nil {
		return nil
	}
	return redislock.New(client)
}

func Run(lc fx.Lifecycle, cfg config.Config, w *Worker) {
	if !cfg.WorkerEnabled {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go w.RunForever(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
