package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dojoflow/internal/tenantctx"
)

type createCheckoutRequest struct {
	InvoiceID string `json:"invoiceId" binding:"required"`
	Provider  string `json:"provider"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("invoiceId", "invalid_request", "invoiceId is required"))
		return
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		AbortWithError(c, newValidationError("invoiceId", "invalid_id", "invalid invoice id"))
		return
	}

	session, err := s.checkoutSvc.Create(c.Request.Context(), tenantID, invoiceID, strings.TrimSpace(req.Provider))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"sessionId":   session.SessionID,
		"checkoutUrl": session.CheckoutURL,
		"provider":    session.Provider,
		"invoiceId":   session.InvoiceID.String(),
	}})
}

func (s *Server) CheckoutStatus(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(c.Query("orderId"))
	}
	if sessionID == "" {
		AbortWithError(c, newValidationError("sessionId", "invalid_request", "sessionId is required"))
		return
	}

	outcome, err := s.checkoutSvc.Poll(c.Request.Context(), tenantID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data := gin.H{
		"sessionId":     outcome.Session.SessionID,
		"status":        outcome.Session.Status,
		"invoiceId":     outcome.Session.InvoiceID.String(),
		"invoiceStatus": outcome.InvoiceStatus,
	}
	if outcome.SettlementID != nil {
		data["settlementId"] = outcome.SettlementID.String()
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
