package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPlaced    OrderStatus = "placed"
	OrderStatusReceived  OrderStatus = "received"
	OrderStatusInvoiced  OrderStatus = "invoiced"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type MatchVerdict string

const (
	VerdictMatched         MatchVerdict = "matched"
	VerdictWithinTolerance MatchVerdict = "within_tolerance"
	VerdictMismatch        MatchVerdict = "mismatch"
)

// LineItem is one order, receipt or invoice line. Quantity and unit price
// stay fixed-point; totals are always derived, never stored on the line.
type LineItem struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// PurchaseOrder is the saga-side record of a placed order.
type PurchaseOrder struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	BusinessKey string          `gorm:"type:text;not null;uniqueIndex" json:"business_key"`
	VendorID    string          `gorm:"type:text;not null" json:"vendor_id"`
	Currency    string          `gorm:"type:text;not null" json:"currency"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"total_amount"`
	Lines       datatypes.JSON  `gorm:"type:json" json:"lines"`
	Status      OrderStatus     `gorm:"type:text;not null;index" json:"status"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PurchaseOrder) TableName() string { return "purchase_orders" }

// GoodsReceipt records what actually arrived against an order. Multiple
// partial receipts per order are allowed.
type GoodsReceipt struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	PurchaseOrderID snowflake.ID   `gorm:"not null;index" json:"purchase_order_id"`
	Reference       string         `gorm:"type:text" json:"reference"`
	Lines           datatypes.JSON `gorm:"type:json" json:"lines"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (GoodsReceipt) TableName() string { return "goods_receipts" }

// Invoice is the vendor's bill for an order.
type Invoice struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	PurchaseOrderID snowflake.ID    `gorm:"not null;index" json:"purchase_order_id"`
	InvoiceNumber   string          `gorm:"type:text;not null;uniqueIndex" json:"invoice_number"`
	Amount          decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Lines           datatypes.JSON  `gorm:"type:json" json:"lines"`
	ReceivedAt      time.Time       `gorm:"not null" json:"received_at"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// MatchResult is the immutable outcome of one three-way match run. Never
// updated; a re-match after new receipts appends a fresh row.
type MatchResult struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	PurchaseOrderID  snowflake.ID    `gorm:"not null;index" json:"purchase_order_id"`
	InvoiceID        snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	OrderAmount      decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"order_amount"`
	ReceiptAmount    decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"receipt_amount"`
	InvoiceAmount    decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"invoice_amount"`
	Variance         decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"variance"`
	VariancePercent  decimal.Decimal `gorm:"type:numeric(9,4);not null" json:"variance_percent"`
	TolerancePercent decimal.Decimal `gorm:"type:numeric(9,4);not null" json:"tolerance_percent"`
	Verdict          MatchVerdict    `gorm:"type:text;not null;index" json:"verdict"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (MatchResult) TableName() string { return "match_results" }
