package service_test

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	orch    sagadomain.Orchestrator
	ledger  ledgerdomain.Service
	recon   recdomain.Service
	db      *gorm.DB
	clock   *clockpkg.FakeClock
	account ledgerdomain.LedgerAccount

	eventSeq int
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func testPolicy() config.ProcurementConfig {
	cfg := config.DefaultProcurementConfig()
	cfg.LockWait = 10 * time.Second
	cfg.Saga.CompensationMaxAttempts = 3
	cfg.Saga.CompensationBackoff = time.Millisecond
	cfg.Saga.DefaultStepDwell = time.Hour
	cfg.Saga.StepDwell = map[string]time.Duration{}
	return cfg
}

// wrapLedger lets a test inject failures into single ledger operations.
type wrapLedger struct {
	ledgerdomain.Service
	releaseErr error

	// reserveErr fails the next Reserve call once, then clears.
	reserveErr   error
	reserveCalls int
}

func (w *wrapLedger) Release(ctx context.Context, reservationID snowflake.ID, actor string) error {
	if w.releaseErr != nil {
		return w.releaseErr
	}
	return w.Service.Release(ctx, reservationID, actor)
}

func (w *wrapLedger) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (ledgerdomain.Reservation, error) {
	w.reserveCalls++
	if err := w.reserveErr; err != nil {
		w.reserveErr = nil
		return ledgerdomain.Reservation{}, err
	}
	return w.Service.Reserve(ctx, req)
}

func newHarness(t *testing.T, policy config.ProcurementConfig, wrap func(ledgerdomain.Service) ledgerdomain.Service) *harness {
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
	clk := clockpkg.NewFakeClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	holder := config.NewStaticProcurementConfigHolder(policy)

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Repo:  auditrepo.NewRepository(auditrepo.Params{}),
	})
	outbox := events.NewOutbox(events.OutboxParams{DB: db, Log: logger, GenID: node})

	var ledger ledgerdomain.Service = ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		AuditSvc: auditSvc,
		Policy:   holder,
		Outbox:   outbox,
	})
	if wrap != nil {
		ledger = wrap(ledger)
	}

	recon := recservice.NewService(recservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		AuditSvc: auditSvc,
		Policy:   holder,
		Outbox:   outbox,
	})

	idem := idempotency.NewCache(idempotency.CacheParams{
		Store:  idempotency.NewMemoryStore(clk),
		Log:    logger,
		Policy: holder,
	})

	orch := sagaservice.NewOrchestrator(sagaservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		Clock:    clk,
		Ledger:   ledger,
		Recon:    recon,
		AuditSvc: auditSvc,
		Idem:     idem,
		Policy:   holder,
		Outbox:   outbox,
	})

	account, err := ledger.Allocate(context.Background(), ledgerdomain.AllocateRequest{
		DepartmentID: "engineering",
		FiscalPeriod: "2026-Q3",
		Currency:     "USD",
		Amount:       dec(t, "10000"),
		Actor:        "alice",
	})
	require.NoError(t, err)

	return &harness{
		orch:    orch,
		ledger:  ledger,
		recon:   recon,
		db:      db,
		clock:   clk,
		account: account,
	}
}

func (h *harness) event(eventType, businessKey string, data map[string]any) events.Event {
	h.eventSeq++
	return events.Event{
		EventID:       fmt.Sprintf("evt-%04d", h.eventSeq),
		Type:          eventType,
		Source:        "test",
		CorrelationID: businessKey,
		OccurredAt:    h.clock.Now(),
		Data:          data,
	}
}

func (h *harness) handle(t *testing.T, eventType, businessKey string, data map[string]any) {
	t.Helper()
	require.NoError(t, h.orch.HandleEvent(context.Background(), h.event(eventType, businessKey, data)))
}

func (h *harness) created(t *testing.T, key, amount string) {
	t.Helper()
	h.handle(t, events.EventRequisitionCreated, key, map[string]any{
		"account_id": h.account.ID.String(),
		"amount":     amount,
		"currency":   "USD",
	})
}

func widgetLines() []map[string]any {
	return []map[string]any{{
		"sku":        "WIDGET",
		"quantity":   "10",
		"unit_price": "100",
	}}
}

func (h *harness) throughInvoice(t *testing.T, key string) {
	t.Helper()
	h.created(t, key, "1000")
	h.handle(t, events.EventRequisitionApproved, key, nil)
	h.handle(t, events.EventOrderPlaced, key, map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})
	h.handle(t, events.EventGoodsReceived, key, map[string]any{
		"lines": widgetLines(),
	})
	h.handle(t, events.EventInvoiceReceived, key, map[string]any{
		"invoice_number": "INV-" + key,
		"amount":         "1000",
	})
}

func (h *harness) outboxCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&events.OutboxMessage{}).
		Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestSagaHappyPath(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.throughInvoice(t, "REQ-001")
	h.handle(t, events.EventPaymentRequested, "REQ-001", map[string]any{"amount": "1000"})

	instance, steps, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusCompleted, instance.Status)
	require.Equal(t, sagadomain.StepCompleted, instance.CurrentStep)
	require.NotEmpty(t, steps)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Spent.Equal(dec(t, "1000")))
	require.True(t, account.Reserved.Equal(decimal.Zero))
	require.True(t, account.Available().Equal(dec(t, "9000")))

	require.NotNil(t, instance.ReservationID)
	reservation, err := h.ledger.GetReservation(ctx, *instance.ReservationID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.ReservationStateSpent, reservation.State)

	require.EqualValues(t, 1, h.outboxCount(t, events.EventSagaCompleted))
}

func TestSagaUnderSpendReturnsRemainder(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	// Invoice and payment come in under the reserved amount.
	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	h.handle(t, events.EventOrderPlaced, "REQ-001", map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})
	h.handle(t, events.EventGoodsReceived, "REQ-001", map[string]any{
		"lines": []map[string]any{{"sku": "WIDGET", "quantity": "10", "unit_price": "96"}},
	})
	h.handle(t, events.EventInvoiceReceived, "REQ-001", map[string]any{
		"invoice_number": "INV-REQ-001",
		"amount":         "960",
	})
	h.handle(t, events.EventPaymentRequested, "REQ-001", map[string]any{"amount": "960"})

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Spent.Equal(dec(t, "960")))
	require.True(t, account.Reserved.Equal(decimal.Zero))
	require.True(t, account.Available().Equal(dec(t, "9040")))
}

func TestRedeliveredEventIsDropped(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	ev := h.event(events.EventRequisitionApproved, "REQ-001", nil)
	require.NoError(t, h.orch.HandleEvent(ctx, ev))
	require.NoError(t, h.orch.HandleEvent(ctx, ev))

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(dec(t, "1000")))
}

func TestRedeliveryAfterTransientFailureRetriesStep(t *testing.T) {
	wrapped := &wrapLedger{}
	h := newHarness(t, testPolicy(), func(s ledgerdomain.Service) ledgerdomain.Service {
		wrapped.Service = s
		return wrapped
	})
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")

	// The first delivery hits a lock timeout; the broker redelivers the
	// same message, which must retry the step instead of being dropped.
	wrapped.reserveErr = ledgerdomain.ErrLockTimeout
	ev := h.event(events.EventRequisitionApproved, "REQ-001", nil)
	require.ErrorIs(t, h.orch.HandleEvent(ctx, ev), ledgerdomain.ErrLockTimeout)
	require.NoError(t, h.orch.HandleEvent(ctx, ev))
	require.Equal(t, 2, wrapped.reserveCalls)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusRunning, instance.Status)
	require.Equal(t, sagadomain.StepReserved, instance.CurrentStep)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(dec(t, "1000")))
}

func TestDuplicateBusinessEventIsSkipped(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	// Same business event again under a fresh transport ID.
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(dec(t, "1000")))

	_, steps, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	skipped := 0
	for _, step := range steps {
		if step.Status == sagadomain.StepStatusSkipped {
			skipped++
		}
	}
	require.Equal(t, 1, skipped)
}

func TestInsufficientFundsFailsSaga(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "50000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusFailed, instance.Status)
	require.NotNil(t, instance.FailureReason)
	require.Equal(t, "insufficient_funds", *instance.FailureReason)

	require.EqualValues(t, 1, h.outboxCount(t, events.EventSagaFailed))
	require.EqualValues(t, 1, h.outboxCount(t, events.EventBudgetInsufficient))
}

func TestOrderFailureCompensatesReservation(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	h.handle(t, events.EventOrderFailed, "REQ-001", nil)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusFailed, instance.Status)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(decimal.Zero))
	require.True(t, account.Available().Equal(dec(t, "10000")))

	reservation, err := h.ledger.GetReservation(ctx, *instance.ReservationID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.ReservationStateReleased, reservation.State)

	require.EqualValues(t, 1, h.outboxCount(t, events.EventSagaFailed))
}

func TestCancelCompensatesOrderAndReservation(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	h.handle(t, events.EventOrderPlaced, "REQ-001", map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})

	require.NoError(t, h.orch.Cancel(ctx, "REQ-001", "requested by buyer"))

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusFailed, instance.Status)
	require.Contains(t, *instance.FailureReason, "cancelled")

	order, err := h.recon.GetOrderByKey(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, recdomain.OrderStatusCancelled, order.Status)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Reserved.Equal(decimal.Zero))

	// A second cancel hits a terminal saga.
	require.ErrorIs(t, h.orch.Cancel(ctx, "REQ-001", "again"), sagadomain.ErrSagaTerminal)
}

func TestCompensationExhaustionParksForIntervention(t *testing.T) {
	h := newHarness(t, testPolicy(), func(s ledgerdomain.Service) ledgerdomain.Service {
		return &wrapLedger{Service: s, releaseErr: errors.New("ledger offline")}
	})
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)

	err := h.orch.HandleEvent(ctx, h.event(events.EventOrderFailed, "REQ-001", nil))
	require.NoError(t, err)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusFailedManual, instance.Status)
	require.Equal(t, 3, instance.CompensationAttempts)

	require.EqualValues(t, 1, h.outboxCount(t, events.EventSagaNeedsIntervention))
}

func TestMismatchedInvoiceBlocksPayment(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	h.handle(t, events.EventOrderPlaced, "REQ-001", map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})
	h.handle(t, events.EventGoodsReceived, "REQ-001", map[string]any{
		"lines": widgetLines(),
	})
	// Invoice 20% over the received amount.
	h.handle(t, events.EventInvoiceReceived, "REQ-001", map[string]any{
		"invoice_number": "INV-001",
		"amount":         "1200",
	})

	require.EqualValues(t, 1, h.outboxCount(t, events.EventInvoiceDisputed))

	h.handle(t, events.EventPaymentRequested, "REQ-001", map[string]any{"amount": "1200"})

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusRunning, instance.Status)
	require.Equal(t, sagadomain.StepInvoiced, instance.CurrentStep)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Spent.Equal(decimal.Zero))
}

func TestMismatchOverrideApprovedPaysOut(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)
	h.handle(t, events.EventOrderPlaced, "REQ-001", map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})
	h.handle(t, events.EventGoodsReceived, "REQ-001", map[string]any{
		"lines": widgetLines(),
	})
	h.handle(t, events.EventInvoiceReceived, "REQ-001", map[string]any{
		"invoice_number": "INV-001",
		"amount":         "1200",
	})

	// A reviewer signed off on the disputed invoice; payment goes through
	// despite the mismatch verdict.
	h.handle(t, events.EventPaymentRequested, "REQ-001", map[string]any{
		"amount":            "950",
		"override_approved": true,
	})

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusCompleted, instance.Status)

	account, err := h.ledger.GetAccount(ctx, h.account.ID)
	require.NoError(t, err)
	require.True(t, account.Spent.Equal(decimal.NewFromInt(950)))
	require.True(t, account.Reserved.Equal(decimal.Zero))
}

func TestRejectedRequisitionFailsSaga(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionRejected, "REQ-001", nil)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Equal(t, sagadomain.StatusFailed, instance.Status)
	require.Equal(t, "rejected", *instance.FailureReason)
}

func TestMarkStalledFlagsDwellExceeded(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ctx := context.Background()

	h.created(t, "REQ-001", "1000")
	h.handle(t, events.EventRequisitionApproved, "REQ-001", nil)

	h.clock.Advance(2 * time.Hour)

	flagged, err := h.orch.MarkStalled(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	instance, _, err := h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.NotNil(t, instance.StalledAt)
	require.EqualValues(t, 1, h.outboxCount(t, events.EventSagaStalled))

	// Already flagged sagas are not re-announced.
	flagged, err = h.orch.MarkStalled(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, flagged)

	// The next successful transition clears the flag.
	h.handle(t, events.EventOrderPlaced, "REQ-001", map[string]any{
		"vendor_id": "vendor-42",
		"lines":     widgetLines(),
	})
	instance, _, err = h.orch.Get(ctx, "REQ-001")
	require.NoError(t, err)
	require.Nil(t, instance.StalledAt)
}

func TestUnknownEventType(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	err := h.orch.HandleEvent(context.Background(), h.event("price.updated", "REQ-001", nil))
	require.ErrorIs(t, err, sagadomain.ErrUnknownEvent)
}

func TestEventWithoutBusinessKey(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	err := h.orch.HandleEvent(context.Background(), h.event(events.EventRequisitionApproved, "", nil))
	require.ErrorIs(t, err, sagadomain.ErrMissingEventKey)
}
