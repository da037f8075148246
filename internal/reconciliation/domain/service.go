package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrOrderExists       = errors.New("order_exists")
	ErrInvoiceNotFound   = errors.New("invoice_not_found")
	ErrInvoiceExists     = errors.New("invoice_exists")
	ErrNoGoodsReceived   = errors.New("no_goods_received")
	ErrEmptyLines        = errors.New("empty_lines")
	ErrInvalidLineAmount = errors.New("invalid_line_amount")
)

type RecordOrderRequest struct {
	BusinessKey string
	VendorID    string
	Currency    string
	Lines       []LineItem
}

type RecordReceiptRequest struct {
	PurchaseOrderID snowflake.ID
	Reference       string
	Lines           []LineItem
}

type RecordInvoiceRequest struct {
	PurchaseOrderID snowflake.ID
	InvoiceNumber   string
	Amount          decimal.Decimal
	Lines           []LineItem
}

// MatchRequest triggers a three-way match for one invoice. A tolerance
// override, when set, replaces the configured tolerance for this run only.
type MatchRequest struct {
	InvoiceID         snowflake.ID
	ToleranceOverride *decimal.Decimal
}

// Service reconciles purchase orders, goods receipts and invoices. The
// receipt amount is derived from received quantities at order unit prices,
// so short shipments surface as invoice variance.
type Service interface {
	RecordOrder(ctx context.Context, req RecordOrderRequest) (PurchaseOrder, error)
	RecordReceipt(ctx context.Context, req RecordReceiptRequest) (GoodsReceipt, error)
	RecordInvoice(ctx context.Context, req RecordInvoiceRequest) (Invoice, error)

	// Match runs the three-way match and appends an immutable result.
	// Matching the same invoice again with unchanged inputs returns the
	// latest existing result instead of appending a duplicate.
	Match(ctx context.Context, req MatchRequest) (MatchResult, error)

	GetOrder(ctx context.Context, orderID snowflake.ID) (PurchaseOrder, error)
	GetOrderByKey(ctx context.Context, businessKey string) (PurchaseOrder, error)
	ListMatchResults(ctx context.Context, orderID snowflake.ID) ([]MatchResult, error)
	CancelOrder(ctx context.Context, orderID snowflake.ID, reason string) error
}

// LineTotal is quantity times unit price for one line.
func LineTotal(line LineItem) decimal.Decimal {
	return line.Quantity.Mul(line.UnitPrice)
}

// LinesTotal sums quantity times unit price across lines.
func LinesTotal(lines []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(LineTotal(line))
	}
	return total
}
