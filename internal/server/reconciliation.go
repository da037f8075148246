package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	"github.com/shopspring/decimal"
)

type recordOrderRequest struct {
	BusinessKey string               `json:"business_key"`
	VendorID    string               `json:"vendor_id"`
	Currency    string               `json:"currency"`
	Lines       []recdomain.LineItem `json:"lines"`
}

func (s *Server) RecordOrder(c *gin.Context) {
	var req recordOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.BusinessKey) == "" {
		AbortWithError(c, newValidationError("business_key", "invalid_business_key", "business_key is required"))
		return
	}

	s.respondIdempotent(c, http.StatusCreated, func(ctx context.Context) (any, error) {
		return s.reconSvc.RecordOrder(ctx, recdomain.RecordOrderRequest{
			BusinessKey: strings.TrimSpace(req.BusinessKey),
			VendorID:    strings.TrimSpace(req.VendorID),
			Currency:    strings.TrimSpace(req.Currency),
			Lines:       req.Lines,
		})
	})
}

func (s *Server) GetOrder(c *gin.Context) {
	orderID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return
	}

	order, err := s.reconSvc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

type recordReceiptRequest struct {
	Reference string               `json:"reference"`
	Lines     []recdomain.LineItem `json:"lines"`
}

func (s *Server) RecordReceipt(c *gin.Context) {
	orderID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return
	}

	var req recordReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	receipt, err := s.reconSvc.RecordReceipt(c.Request.Context(), recdomain.RecordReceiptRequest{
		PurchaseOrderID: orderID,
		Reference:       strings.TrimSpace(req.Reference),
		Lines:           req.Lines,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": receipt})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelOrder(c *gin.Context) {
	orderID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return
	}

	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.reconSvc.CancelOrder(c.Request.Context(), orderID, strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}

	order, err := s.reconSvc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) ListMatchResults(c *gin.Context) {
	orderID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return
	}

	results, err := s.reconSvc.ListMatchResults(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

type recordInvoiceRequest struct {
	PurchaseOrderID string               `json:"purchase_order_id"`
	InvoiceNumber   string               `json:"invoice_number"`
	Amount          decimal.Decimal      `json:"amount"`
	Lines           []recdomain.LineItem `json:"lines"`
}

func (s *Server) RecordInvoice(c *gin.Context) {
	var req recordInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orderID, err := parsePathID(req.PurchaseOrderID)
	if err != nil {
		AbortWithError(c, newValidationError("purchase_order_id", "invalid_purchase_order_id", "invalid purchase order id"))
		return
	}
	if strings.TrimSpace(req.InvoiceNumber) == "" {
		AbortWithError(c, newValidationError("invoice_number", "invalid_invoice_number", "invoice_number is required"))
		return
	}

	s.respondIdempotent(c, http.StatusCreated, func(ctx context.Context) (any, error) {
		return s.reconSvc.RecordInvoice(ctx, recdomain.RecordInvoiceRequest{
			PurchaseOrderID: orderID,
			InvoiceNumber:   strings.TrimSpace(req.InvoiceNumber),
			Amount:          req.Amount,
			Lines:           req.Lines,
		})
	})
}

type matchInvoiceRequest struct {
	ToleranceOverride *decimal.Decimal `json:"tolerance_override,omitempty"`
}

func (s *Server) MatchInvoice(c *gin.Context) {
	invoiceID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	var req matchInvoiceRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.reconSvc.Match(c.Request.Context(), recdomain.MatchRequest{
		InvoiceID:         invoiceID,
		ToleranceOverride: req.ToleranceOverride,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
