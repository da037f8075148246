package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	"github.com/shopspring/decimal"
)

type allocateAccountRequest struct {
	DepartmentID string          `json:"department_id"`
	FiscalPeriod string          `json:"fiscal_period"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
}

func (s *Server) AllocateAccount(c *gin.Context) {
	var req allocateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.DepartmentID) == "" {
		AbortWithError(c, newValidationError("department_id", "invalid_department_id", "department_id is required"))
		return
	}
	if strings.TrimSpace(req.FiscalPeriod) == "" {
		AbortWithError(c, newValidationError("fiscal_period", "invalid_fiscal_period", "fiscal_period is required"))
		return
	}

	actor := s.actor(c)
	s.respondIdempotent(c, http.StatusCreated, func(ctx context.Context) (any, error) {
		return s.ledgerSvc.Allocate(ctx, ledgerdomain.AllocateRequest{
			DepartmentID: strings.TrimSpace(req.DepartmentID),
			FiscalPeriod: strings.TrimSpace(req.FiscalPeriod),
			Currency:     strings.TrimSpace(req.Currency),
			Amount:       req.Amount,
			Actor:        actor,
		})
	})
}

func (s *Server) GetAccount(c *gin.Context) {
	accountID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) CheckAvailability(c *gin.Context) {
	accountID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(c.Query("amount")))
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
		return
	}

	result, err := s.ledgerSvc.CheckAvailability(c.Request.Context(), accountID, amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListTransactions(c *gin.Context) {
	accountID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	effectiveLimit := 100
	if limit != nil && *limit > 0 {
		effectiveLimit = *limit
	}

	transactions, err := s.ledgerSvc.ListTransactions(c.Request.Context(), accountID, from, to, effectiveLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) TopUpAccount(c *gin.Context) {
	accountID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.ledgerSvc.TopUp(c.Request.Context(), accountID, req.Amount, s.actor(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) CloseAccount(c *gin.Context) {
	accountID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	if err := s.ledgerSvc.Close(c.Request.Context(), accountID, s.actor(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

type createReservationRequest struct {
	AccountID   string          `json:"account_id"`
	BusinessKey string          `json:"business_key"`
	Amount      decimal.Decimal `json:"amount"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := parsePathID(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account id"))
		return
	}

	actor := s.actor(c)
	s.respondIdempotent(c, http.StatusCreated, func(ctx context.Context) (any, error) {
		return s.ledgerSvc.Reserve(ctx, ledgerdomain.ReserveRequest{
			AccountID:   accountID,
			BusinessKey: strings.TrimSpace(req.BusinessKey),
			Amount:      req.Amount,
			Actor:       actor,
			ExpiresAt:   req.ExpiresAt,
		})
	})
}

func (s *Server) GetReservation(c *gin.Context) {
	reservationID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	reservation, err := s.ledgerSvc.GetReservation(c.Request.Context(), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reservation})
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	reservationID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	if err := s.ledgerSvc.Release(c.Request.Context(), reservationID, s.actor(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	reservation, err := s.ledgerSvc.GetReservation(c.Request.Context(), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reservation})
}

func (s *Server) SpendReservation(c *gin.Context) {
	reservationID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid reservation id"))
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	actor := s.actor(c)
	s.respondIdempotent(c, http.StatusOK, func(ctx context.Context) (any, error) {
		if err := s.ledgerSvc.Spend(ctx, reservationID, req.Amount, actor); err != nil {
			return nil, err
		}
		return s.ledgerSvc.GetReservation(ctx, reservationID)
	})
}
