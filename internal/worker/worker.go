package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/openprocure/provena/internal/clock"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const leaseKey = "provena:worker:lease"

var ErrInvalidConfig = errors.New("worker dependencies not configured")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	AppCfg    config.Config
	LedgerSvc ledgerdomain.Service
	SagaSvc   sagadomain.Orchestrator
	Publisher events.Publisher
	Obs       *obsmetrics.Metrics `optional:"true"`
	Locker    *redislock.Client   `optional:"true"`
	Config    Config              `optional:"true"`
}

// Worker runs the background jobs: outbox dispatch, expired reservation
// sweep and saga dwell detection. Multiple replicas coordinate through a
// redis lease when a locker is configured.
type Worker struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	channel   string
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	sagaSvc   sagadomain.Orchestrator
	publisher events.Publisher
	obs       *obsmetrics.Metrics
	locker    *redislock.Client
}

func New(p Params) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.LedgerSvc == nil || p.SagaSvc == nil || p.Publisher == nil {
		return nil, ErrInvalidConfig
	}
	return &Worker{
		db:        p.DB,
		log:       p.Log.Named("worker"),
		cfg:       p.Config.withDefaults(),
		channel:   p.AppCfg.EventChannel,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		sagaSvc:   p.SagaSvc,
		publisher: p.Publisher,
		obs:       p.Obs,
		locker:    p.Locker,
	}, nil
}

func (w *Worker) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick picks the batch up again.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (w *Worker) RunOnce(parent context.Context) error {
	if w.locker != nil {
		lock, err := w.locker.Obtain(parent, leaseKey, w.cfg.LeaseTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			// Another replica holds the lease this tick.
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if releaseErr := lock.Release(parent); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				w.log.Warn("failed to release worker lease", zap.Error(releaseErr))
			}
		}()
	}

	var err error
	err = errors.Join(err, w.runJob(parent, "dispatch_outbox", 30*time.Second, w.DispatchOutboxJob))
	err = errors.Join(err, w.runJob(parent, "release_expired", 30*time.Second, w.ReleaseExpiredJob))
	err = errors.Join(err, w.runJob(parent, "detect_stalled", 30*time.Second, w.DetectStalledJob))
	return err
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
