package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	"github.com/openprocure/provena/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	AuditSvc auditdomain.Service
	Policy   *config.ProcurementConfigHolder
	Outbox   *events.Outbox      `optional:"true"`
	Obs      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	auditSvc auditdomain.Service
	policy   *config.ProcurementConfigHolder
	outbox   *events.Outbox
	obs      *obsmetrics.Metrics
}

func NewService(p Params) recdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		genID:    p.GenID,
		auditSvc: p.AuditSvc,
		policy:   p.Policy,
		outbox:   p.Outbox,
		obs:      p.Obs,
	}
}

func (s *Service) RecordOrder(ctx context.Context, req recdomain.RecordOrderRequest) (recdomain.PurchaseOrder, error) {
	if err := validateLines(req.Lines); err != nil {
		return recdomain.PurchaseOrder{}, err
	}
	businessKey := strings.TrimSpace(req.BusinessKey)
	if businessKey == "" {
		return recdomain.PurchaseOrder{}, recdomain.ErrOrderNotFound
	}

	lines, err := marshalLines(req.Lines)
	if err != nil {
		return recdomain.PurchaseOrder{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	order := recdomain.PurchaseOrder{
		ID:          s.genID.Generate(),
		BusinessKey: businessKey,
		VendorID:    strings.TrimSpace(req.VendorID),
		Currency:    currency,
		TotalAmount: recdomain.LinesTotal(req.Lines),
		Lines:       lines,
		Status:      recdomain.OrderStatusPlaced,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return recdomain.ErrOrderExists
			}
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeSystem,
			Action:      "order.recorded",
			TargetType:  "purchase_order",
			TargetID:    order.ID.String(),
			BusinessKey: businessKey,
			Metadata: map[string]any{
				"vendor_id":    order.VendorID,
				"total_amount": order.TotalAmount.String(),
			},
		})
	})
	if err != nil {
		return recdomain.PurchaseOrder{}, err
	}
	return order, nil
}

func (s *Service) RecordReceipt(ctx context.Context, req recdomain.RecordReceiptRequest) (recdomain.GoodsReceipt, error) {
	if err := validateLines(req.Lines); err != nil {
		return recdomain.GoodsReceipt{}, err
	}

	lines, err := marshalLines(req.Lines)
	if err != nil {
		return recdomain.GoodsReceipt{}, err
	}

	now := time.Now().UTC()
	receipt := recdomain.GoodsReceipt{
		ID:              s.genID.Generate(),
		PurchaseOrderID: req.PurchaseOrderID,
		Reference:       strings.TrimSpace(req.Reference),
		Lines:           lines,
		ReceivedAt:      now,
		CreatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(ctx, tx, req.PurchaseOrderID)
		if err != nil {
			return err
		}
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}
		if order.Status == recdomain.OrderStatusPlaced {
			if err := tx.Model(&recdomain.PurchaseOrder{}).
				Where("id = ?", order.ID).
				Updates(map[string]any{"status": recdomain.OrderStatusReceived, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeSystem,
			Action:      "goods.recorded",
			TargetType:  "goods_receipt",
			TargetID:    receipt.ID.String(),
			BusinessKey: order.BusinessKey,
			Metadata: map[string]any{
				"purchase_order_id": order.ID.String(),
				"reference":         receipt.Reference,
			},
		})
	})
	if err != nil {
		return recdomain.GoodsReceipt{}, err
	}
	return receipt, nil
}

func (s *Service) RecordInvoice(ctx context.Context, req recdomain.RecordInvoiceRequest) (recdomain.Invoice, error) {
	if !req.Amount.IsPositive() {
		return recdomain.Invoice{}, recdomain.ErrInvalidLineAmount
	}
	invoiceNumber := strings.TrimSpace(req.InvoiceNumber)
	if invoiceNumber == "" {
		return recdomain.Invoice{}, recdomain.ErrInvoiceNotFound
	}

	lines, err := marshalLines(req.Lines)
	if err != nil {
		return recdomain.Invoice{}, err
	}

	now := time.Now().UTC()
	invoice := recdomain.Invoice{
		ID:              s.genID.Generate(),
		PurchaseOrderID: req.PurchaseOrderID,
		InvoiceNumber:   invoiceNumber,
		Amount:          req.Amount,
		Lines:           lines,
		ReceivedAt:      now,
		CreatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(ctx, tx, req.PurchaseOrderID)
		if err != nil {
			return err
		}
		if err := tx.Create(&invoice).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return recdomain.ErrInvoiceExists
			}
			return err
		}
		if err := tx.Model(&recdomain.PurchaseOrder{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{"status": recdomain.OrderStatusInvoiced, "updated_at": now}).Error; err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeSystem,
			Action:      "invoice.recorded",
			TargetType:  "invoice",
			TargetID:    invoice.ID.String(),
			BusinessKey: order.BusinessKey,
			Metadata: map[string]any{
				"invoice_number": invoiceNumber,
				"amount":         req.Amount.String(),
			},
		})
	})
	if err != nil {
		return recdomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) Match(ctx context.Context, req recdomain.MatchRequest) (recdomain.MatchResult, error) {
	var invoice recdomain.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", req.InvoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return recdomain.MatchResult{}, recdomain.ErrInvoiceNotFound
		}
		return recdomain.MatchResult{}, err
	}

	order, err := s.GetOrder(ctx, invoice.PurchaseOrderID)
	if err != nil {
		return recdomain.MatchResult{}, err
	}

	var receipts []recdomain.GoodsReceipt
	if err := s.db.WithContext(ctx).
		Find(&receipts, "purchase_order_id = ?", order.ID).Error; err != nil {
		return recdomain.MatchResult{}, err
	}
	if len(receipts) == 0 {
		return recdomain.MatchResult{}, recdomain.ErrNoGoodsReceived
	}

	orderLines, err := unmarshalLines(order.Lines)
	if err != nil {
		return recdomain.MatchResult{}, err
	}
	receiptAmount, err := receiptTotal(orderLines, receipts)
	if err != nil {
		return recdomain.MatchResult{}, err
	}
	tolerance := decimal.NewFromFloat(s.policy.Current().TolerancePercent)
	if req.ToleranceOverride != nil {
		tolerance = *req.ToleranceOverride
	}

	// Variance stays signed so an under-billed invoice reads negative.
	variance := invoice.Amount.Sub(receiptAmount)

	// A zero receipt total cannot anchor a percentage: billing anything
	// against it is a full mismatch regardless of tolerance.
	var variancePct decimal.Decimal
	switch {
	case receiptAmount.IsPositive():
		variancePct = variance.Abs().
			Div(receiptAmount).
			Mul(decimal.NewFromInt(100)).
			Round(4)
	case variance.IsZero():
		variancePct = decimal.Zero
	default:
		variancePct = decimal.NewFromInt(100)
	}

	verdict := recdomain.VerdictMismatch
	switch {
	case variance.IsZero():
		verdict = recdomain.VerdictMatched
	case receiptAmount.IsPositive() && variancePct.LessThanOrEqual(tolerance):
		verdict = recdomain.VerdictWithinTolerance
	}

	// Re-running the match over unchanged inputs returns the existing
	// result rather than appending a duplicate row.
	var latest recdomain.MatchResult
	err = s.db.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Order("created_at DESC, id DESC").
		First(&latest).Error
	if err == nil &&
		latest.ReceiptAmount.Equal(receiptAmount) &&
		latest.InvoiceAmount.Equal(invoice.Amount) &&
		latest.TolerancePercent.Equal(tolerance) {
		return latest, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return recdomain.MatchResult{}, err
	}

	result := recdomain.MatchResult{
		ID:               s.genID.Generate(),
		PurchaseOrderID:  order.ID,
		InvoiceID:        invoice.ID,
		OrderAmount:      order.TotalAmount,
		ReceiptAmount:    receiptAmount,
		InvoiceAmount:    invoice.Amount,
		Variance:         variance,
		VariancePercent:  variancePct,
		TolerancePercent: tolerance,
		Verdict:          verdict,
		CreatedAt:        time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		eventType := events.EventMatchResult
		if verdict == recdomain.VerdictMismatch {
			eventType = events.EventInvoiceDisputed
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type:          eventType,
			CorrelationID: order.BusinessKey,
			DedupeKey:     "match:" + result.ID.String(),
			Data: map[string]any{
				"purchase_order_id": order.ID.String(),
				"invoice_id":        invoice.ID.String(),
				"business_key":      order.BusinessKey,
				"verdict":           string(verdict),
				"variance":          variance.String(),
				"variance_percent":  variancePct.String(),
				"receipt_amount":    receiptAmount.String(),
				"invoice_amount":    invoice.Amount.String(),
			},
		}); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeSystem,
			Action:      "invoice.matched",
			TargetType:  "match_result",
			TargetID:    result.ID.String(),
			BusinessKey: order.BusinessKey,
			Metadata: map[string]any{
				"verdict":          string(verdict),
				"variance":         variance.String(),
				"variance_percent": variancePct.String(),
			},
		})
	})
	if err != nil {
		return recdomain.MatchResult{}, err
	}

	if s.obs != nil {
		s.obs.RecordMatchResult(string(verdict))
	}
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID snowflake.ID) (recdomain.PurchaseOrder, error) {
	var order recdomain.PurchaseOrder
	err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return recdomain.PurchaseOrder{}, recdomain.ErrOrderNotFound
	}
	return order, err
}

func (s *Service) GetOrderByKey(ctx context.Context, businessKey string) (recdomain.PurchaseOrder, error) {
	var order recdomain.PurchaseOrder
	err := s.db.WithContext(ctx).First(&order, "business_key = ?", strings.TrimSpace(businessKey)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return recdomain.PurchaseOrder{}, recdomain.ErrOrderNotFound
	}
	return order, err
}

func (s *Service) ListMatchResults(ctx context.Context, orderID snowflake.ID) ([]recdomain.MatchResult, error) {
	var results []recdomain.MatchResult
	err := s.db.WithContext(ctx).
		Where("purchase_order_id = ?", orderID).
		Order("created_at DESC, id DESC").
		Find(&results).Error
	return results, err
}

func (s *Service) CancelOrder(ctx context.Context, orderID snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == recdomain.OrderStatusCancelled {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&recdomain.PurchaseOrder{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{"status": recdomain.OrderStatusCancelled, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type:          events.EventOrderCancelled,
			CorrelationID: order.BusinessKey,
			DedupeKey:     "order.cancelled:" + order.ID.String(),
			Data: map[string]any{
				"purchase_order_id": order.ID.String(),
				"business_key":      order.BusinessKey,
				"reason":            reason,
			},
		}); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeSystem,
			Action:      events.EventOrderCancelled,
			TargetType:  "purchase_order",
			TargetID:    order.ID.String(),
			BusinessKey: order.BusinessKey,
			Metadata:    map[string]any{"reason": reason},
		})
	})
}

func (s *Service) lockOrder(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (recdomain.PurchaseOrder, error) {
	var order recdomain.PurchaseOrder
	err := db.WithRowLock(tx).WithContext(ctx).First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return recdomain.PurchaseOrder{}, recdomain.ErrOrderNotFound
	}
	return order, err
}

// receiptTotal prices received quantities at the order's unit price per
// SKU, falling back to the receipt line's own price for unknown SKUs.
func receiptTotal(orderLines []recdomain.LineItem, receipts []recdomain.GoodsReceipt) (decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(orderLines))
	for _, line := range orderLines {
		prices[line.SKU] = line.UnitPrice
	}

	total := decimal.Zero
	for _, receipt := range receipts {
		lines, err := unmarshalLines(receipt.Lines)
		if err != nil {
			return decimal.Zero, err
		}
		for _, line := range lines {
			price := line.UnitPrice
			if orderPrice, ok := prices[line.SKU]; ok {
				price = orderPrice
			}
			total = total.Add(line.Quantity.Mul(price))
		}
	}
	return total, nil
}

func validateLines(lines []recdomain.LineItem) error {
	if len(lines) == 0 {
		return recdomain.ErrEmptyLines
	}
	for _, line := range lines {
		if !line.Quantity.IsPositive() || line.UnitPrice.IsNegative() {
			return recdomain.ErrInvalidLineAmount
		}
	}
	return nil
}

func marshalLines(lines []recdomain.LineItem) (datatypes.JSON, error) {
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalLines(raw datatypes.JSON) ([]recdomain.LineItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var lines []recdomain.LineItem
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, ev events.Event) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, ev)
}
