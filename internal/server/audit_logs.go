package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"github.com/openprocure/provena/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken   string `form:"page_token"`
	PageSize    int    `form:"page_size"`
	Action      string `form:"action"`
	TargetType  string `form:"target_type"`
	AccountID   string `form:"account_id"`
	BusinessKey string `form:"business_key"`
	StartAt     string `form:"start_at"`
	EndAt       string `form:"end_at"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	var accountID *snowflake.ID
	if trimmed := strings.TrimSpace(query.AccountID); trimmed != "" {
		parsed, err := parsePathID(trimmed)
		if err != nil {
			AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account id"))
			return
		}
		accountID = &parsed
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action:      strings.TrimSpace(query.Action),
		TargetType:  strings.TrimSpace(query.TargetType),
		AccountID:   accountID,
		BusinessKey: strings.TrimSpace(query.BusinessKey),
		StartAt:     startAt,
		EndAt:       endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
