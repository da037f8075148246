package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	auditrepo "github.com/openprocure/provena/internal/audit/repository"
	auditservice "github.com/openprocure/provena/internal/audit/service"
	clockpkg "github.com/openprocure/provena/internal/clock"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	"github.com/openprocure/provena/internal/idempotency"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	ledgerservice "github.com/openprocure/provena/internal/ledger/service"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	recservice "github.com/openprocure/provena/internal/reconciliation/service"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
	sagaservice "github.com/openprocure/provena/internal/saga/service"
	"github.com/openprocure/provena/internal/worker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type failPublisher struct{}

func (failPublisher) Publish(context.Context, string, events.Event) error {
	return errors.New("broker unavailable")
}

type harness struct {
	worker  *worker.Worker
	ledger  ledgerdomain.Service
	orch    sagadomain.Orchestrator
	outbox  *events.Outbox
	local   *events.LocalPublisher
	db      *gorm.DB
	clock   *clockpkg.FakeClock
	account ledgerdomain.LedgerAccount
}

func newHarness(t *testing.T, publisher events.Publisher) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.Reservation{},
		&ledgerdomain.LedgerTransaction{},
		&recdomain.PurchaseOrder{},
		&recdomain.GoodsReceipt{},
		&recdomain.Invoice{},
		&recdomain.MatchResult{},
		&sagadomain.Instance{},
		&sagadomain.StepRecord{},
		&auditdomain.AuditLog{},
		&events.OutboxMessage{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	// The outbox stamps rows with wall-clock time; start the fake clock
	// ahead of it so staged messages are immediately due.
	clk := clockpkg.NewFakeClock(time.Now().UTC().Add(time.Hour))

	policy := config.DefaultProcurementConfig()
	policy.LockWait = 10 * time.Second
	policy.Saga.DefaultStepDwell = time.Hour
	policy.Saga.StepDwell = map[string]time.Duration{}
	holder := config.NewStaticProcurementConfigHolder(policy)

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Repo:  auditrepo.NewRepository(auditrepo.Params{}),
	})
	outbox := events.NewOutbox(events.OutboxParams{DB: db, Log: logger, GenID: node})

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		AuditSvc: auditSvc,
		Policy:   holder,
		Outbox:   outbox,
	})
	recon := recservice.NewService(recservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		AuditSvc: auditSvc,
		Policy:   holder,
		Outbox:   outbox,
	})
	orch := sagaservice.NewOrchestrator(sagaservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		Clock:    clk,
		Ledger:   ledger,
		Recon:    recon,
		AuditSvc: auditSvc,
		Idem: idempotency.NewCache(idempotency.CacheParams{
			Store:  idempotency.NewMemoryStore(clk),
			Log:    logger,
			Policy: holder,
		}),
		Policy: holder,
		Outbox: outbox,
	})

	local := events.NewLocalPublisher()
	if publisher == nil {
		publisher = local
	}

	w, err := worker.New(worker.Params{
		DB:        db,
		Log:       logger,
		Clock:     clk,
		AppCfg:    config.Config{EventChannel: "procurement.events"},
		LedgerSvc: ledger,
		SagaSvc:   orch,
		Publisher: publisher,
		Config:    worker.Config{DispatchBatchSize: 10, ReleaseBatchSize: 10},
	})
	require.NoError(t, err)

	account, err := ledger.Allocate(context.Background(), ledgerdomain.AllocateRequest{
		DepartmentID: "engineering",
		FiscalPeriod: "2026-Q3",
		Currency:     "USD",
		Amount:       decimal.NewFromInt(10000),
		Actor:        "alice",
	})
	require.NoError(t, err)

	return &harness{
		worker:  w,
		ledger:  ledger,
		orch:    orch,
		outbox:  outbox,
		local:   local,
		db:      db,
		clock:   clk,
		account: account,
	}
}

func TestDispatchOutboxDeliversPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.outbox.Publish(ctx, events.Event{
		Type:          "budget.reserved",
		CorrelationID: "REQ-001",
		Data:          map[string]any{"amount": "100"},
	}))
	require.NoError(t, h.outbox.Publish(ctx, events.Event{
		Type:          "budget.released",
		CorrelationID: "REQ-001",
	}))

	require.NoError(t, h.worker.DispatchOutboxJob(ctx))
	require.Len(t, h.local.Events(), 2)

	var pending int64
	require.NoError(t, h.db.Model(&events.OutboxMessage{}).
		Where("status = ?", events.OutboxStatusPending).Count(&pending).Error)
	require.Zero(t, pending)

	// A second run finds nothing to dispatch.
	require.NoError(t, h.worker.DispatchOutboxJob(ctx))
	require.Len(t, h.local.Events(), 2)
}

func TestDispatchOutboxBacksOffOnFailure(t *testing.T) {
	h := newHarness(t, failPublisher{})
	ctx := context.Background()

	require.NoError(t, h.outbox.Publish(ctx, events.Event{
		Type:          "budget.reserved",
		CorrelationID: "REQ-001",
	}))

	require.NoError(t, h.worker.DispatchOutboxJob(ctx))

	var msg events.OutboxMessage
	require.NoError(t, h.db.First(&msg).Error)
	require.Equal(t, events.OutboxStatusPending, msg.Status)
	require.Equal(t, 1, msg.Attempts)
	require.True(t, msg.AvailableAt.After(h.clock.Now()))

	// Not retried until the backoff elapses.
	require.NoError(t, h.worker.DispatchOutboxJob(ctx))
	require.NoError(t, h.db.First(&msg).Error)
	require.Equal(t, 1, msg.Attempts)
}

func TestReleaseExpiredReservations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	expiresAt := h.clock.Now().Add(-time.Hour)
	reservation, err := h.ledger.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:   h.account.ID,
		BusinessKey: "REQ-001",
		Amount:      decimal.NewFromInt(500),
		ExpiresAt:   &expiresAt,
	})
	require.NoError(t, err)

	keep := h.clock.Now().Add(time.Hour)
	_, err = h.ledger.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:   h.account.ID,
		BusinessKey: "REQ-002",
		Amount:      decimal.NewFromInt(300),
		ExpiresAt:   &keep,
	})
	require.NoError(t, err)

	require.NoError(t, h.worker.ReleaseExpiredJob(ctx))

	released, err := h.ledger.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.ReservationStateReleased, released.State)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(decimal.NewFromInt(300)))
}

func TestDetectStalledSagas(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.HandleEvent(ctx, events.Event{
		EventID:       "evt-1",
		Type:          events.EventRequisitionCreated,
		CorrelationID: "REQ-001",
		Data: map[string]any{
			"account_id": h.account.ID.String(),
			"amount":     "1000",
		},
	}))

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.worker.DetectStalledJob(ctx))

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.NotNil(t, instance.StalledAt)
}

func TestRunOnceJoinsJobs(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.RunOnce(context.Background()))
}
