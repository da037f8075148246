package service_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	auditrepo "github.com/openprocure/provena/internal/audit/repository"
	auditservice "github.com/openprocure/provena/internal/audit/service"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	recservice "github.com/openprocure/provena/internal/reconciliation/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newTestService(t *testing.T) (recdomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&recdomain.PurchaseOrder{},
		&recdomain.GoodsReceipt{},
		&recdomain.Invoice{},
		&recdomain.MatchResult{},
		&auditdomain.AuditLog{},
		&events.OutboxMessage{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Repo:  auditrepo.NewRepository(auditrepo.Params{}),
	})
	outbox := events.NewOutbox(events.OutboxParams{DB: db, Log: logger, GenID: node})

	svc := recservice.NewService(recservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		AuditSvc: auditSvc,
		Policy:   config.NewStaticProcurementConfigHolder(config.DefaultProcurementConfig()),
		Outbox:   outbox,
	})
	return svc, db
}

func placeOrder(t *testing.T, svc recdomain.Service, key string, lines []recdomain.LineItem) recdomain.PurchaseOrder {
	t.Helper()
	order, err := svc.RecordOrder(context.Background(), recdomain.RecordOrderRequest{
		BusinessKey: key,
		VendorID:    "vendor-42",
		Currency:    "USD",
		Lines:       lines,
	})
	require.NoError(t, err)
	return order
}

func tenByHundred(t *testing.T) []recdomain.LineItem {
	return []recdomain.LineItem{{
		SKU:       "WIDGET",
		Quantity:  dec(t, "10"),
		UnitPrice: dec(t, "100"),
	}}
}

func invoiceFor(t *testing.T, svc recdomain.Service, orderID snowflake.ID, number, amount string) recdomain.Invoice {
	t.Helper()
	invoice, err := svc.RecordInvoice(context.Background(), recdomain.RecordInvoiceRequest{
		PurchaseOrderID: orderID,
		InvoiceNumber:   number,
		Amount:          dec(t, amount),
	})
	require.NoError(t, err)
	return invoice
}

func TestOrderTotalDerivedFromLines(t *testing.T) {
	svc, _ := newTestService(t)
	order := placeOrder(t, svc, "REQ-001", []recdomain.LineItem{
		{SKU: "A", Quantity: dec(t, "3"), UnitPrice: dec(t, "19.99")},
		{SKU: "B", Quantity: dec(t, "2"), UnitPrice: dec(t, "5.50")},
	})
	require.True(t, order.TotalAmount.Equal(dec(t, "70.97")))
	require.Equal(t, recdomain.OrderStatusPlaced, order.Status)
}

func TestMatchVerdictBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		invoice string
		verdict recdomain.MatchVerdict
	}{
		{"exact amount matches", "1000", recdomain.VerdictMatched},
		{"under tolerance", "1049", recdomain.VerdictWithinTolerance},
		{"at tolerance boundary", "1050", recdomain.VerdictWithinTolerance},
		{"over tolerance", "1051", recdomain.VerdictMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

			_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
				PurchaseOrderID: order.ID,
				Lines:           tenByHundred(t),
			})
			require.NoError(t, err)

			invoice := invoiceFor(t, svc, order.ID, "INV-001", tc.invoice)

			result, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
			require.NoError(t, err)
			require.Equal(t, tc.verdict, result.Verdict)
			require.True(t, result.ReceiptAmount.Equal(dec(t, "1000")))
		})
	}
}

func TestShortShipmentPricedAtOrderPrice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	// Only 8 of 10 units arrived; the invoice bills the full order.
	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines: []recdomain.LineItem{{
			SKU:      "WIDGET",
			Quantity: dec(t, "8"),
			// Receipt lines carry no price; the order price applies.
			UnitPrice: decimal.Zero,
		}},
	})
	require.NoError(t, err)

	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1000")

	result, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.True(t, result.ReceiptAmount.Equal(dec(t, "800")))
	require.Equal(t, recdomain.VerdictMismatch, result.Verdict)
	require.True(t, result.Variance.Equal(dec(t, "200")))
	require.True(t, result.VariancePercent.Equal(dec(t, "25")))
}

func TestMatchWithoutReceipts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1000")

	_, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.ErrorIs(t, err, recdomain.ErrNoGoodsReceived)
}

func TestInvoiceAgainstZeroValueReceiptIsMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Free-of-charge sample order: received in full but worth nothing,
	// so any invoiced amount is disputed outright.
	order := placeOrder(t, svc, "REQ-001", []recdomain.LineItem{{
		SKU:       "SAMPLE",
		Quantity:  dec(t, "5"),
		UnitPrice: decimal.Zero,
	}})

	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           []recdomain.LineItem{{SKU: "SAMPLE", Quantity: dec(t, "5")}},
	})
	require.NoError(t, err)
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "50")

	result, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.Equal(t, recdomain.VerdictMismatch, result.Verdict)
	require.True(t, result.ReceiptAmount.IsZero())
	require.True(t, result.Variance.Equal(dec(t, "50")))
	require.True(t, result.VariancePercent.Equal(dec(t, "100")))
}

func TestMatchIsIdempotentOverUnchangedInputs(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           tenByHundred(t),
	})
	require.NoError(t, err)
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1020")

	first, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	second, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&recdomain.MatchResult{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRematchAfterNewReceiptAppendsResult(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           []recdomain.LineItem{{SKU: "WIDGET", Quantity: dec(t, "8")}},
	})
	require.NoError(t, err)
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1000")

	first, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.Equal(t, recdomain.VerdictMismatch, first.Verdict)

	// Back-ordered units arrive later; a re-match now clears the dispute.
	_, err = svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           []recdomain.LineItem{{SKU: "WIDGET", Quantity: dec(t, "2")}},
	})
	require.NoError(t, err)

	second, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, recdomain.VerdictMatched, second.Verdict)

	results, err := svc.ListMatchResults(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestToleranceOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           tenByHundred(t),
	})
	require.NoError(t, err)
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1100")

	override := dec(t, "15")
	result, err := svc.Match(ctx, recdomain.MatchRequest{
		InvoiceID:         invoice.ID,
		ToleranceOverride: &override,
	})
	require.NoError(t, err)
	require.Equal(t, recdomain.VerdictWithinTolerance, result.Verdict)
	require.True(t, result.TolerancePercent.Equal(override))
}

func TestDuplicateInvoiceNumberRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	invoiceFor(t, svc, order.ID, "INV-001", "1000")
	_, err := svc.RecordInvoice(ctx, recdomain.RecordInvoiceRequest{
		PurchaseOrderID: order.ID,
		InvoiceNumber:   "INV-001",
		Amount:          dec(t, "900"),
	})
	require.ErrorIs(t, err, recdomain.ErrInvoiceExists)
}

func TestDisputedMatchEmitsEvent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	_, err := svc.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: order.ID,
		Lines:           tenByHundred(t),
	})
	require.NoError(t, err)
	invoice := invoiceFor(t, svc, order.ID, "INV-001", "1200")

	result, err := svc.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	require.NoError(t, err)
	require.Equal(t, recdomain.VerdictMismatch, result.Verdict)

	var msgs []events.OutboxMessage
	require.NoError(t, db.Find(&msgs, "event_type = ?", events.EventInvoiceDisputed).Error)
	require.Len(t, msgs, 1)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	order := placeOrder(t, svc, "REQ-001", tenByHundred(t))

	require.NoError(t, svc.CancelOrder(ctx, order.ID, "compensation"))
	require.NoError(t, svc.CancelOrder(ctx, order.ID, "compensation"))

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, recdomain.OrderStatusCancelled, got.Status)

	var msgs []events.OutboxMessage
	require.NoError(t, db.Find(&msgs, "event_type = ?", events.EventOrderCancelled).Error)
	require.Len(t, msgs, 1)
}

func TestRecordOrderValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordOrder(ctx, recdomain.RecordOrderRequest{BusinessKey: "REQ-001"})
	require.ErrorIs(t, err, recdomain.ErrEmptyLines)

	_, err = svc.RecordOrder(ctx, recdomain.RecordOrderRequest{
		BusinessKey: "REQ-001",
		Lines: []recdomain.LineItem{{
			SKU: "A", Quantity: dec(t, "-1"), UnitPrice: dec(t, "10"),
		}},
	})
	require.ErrorIs(t, err, recdomain.ErrInvalidLineAmount)

	placeOrder(t, svc, "REQ-001", tenByHundred(t))
	_, err = svc.RecordOrder(ctx, recdomain.RecordOrderRequest{
		BusinessKey: "REQ-001",
		Lines:       tenByHundred(t),
	})
	require.ErrorIs(t, err, recdomain.ErrOrderExists)
}
