package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	"github.com/smallbiznis/dojoflow/internal/tenantctx"
)

func (s *Server) ListInvoices(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	var filter invoicedomain.ListFilter
	if raw := strings.TrimSpace(c.Query("subscriptionId")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("subscriptionId", "invalid_id", "invalid subscription id"))
			return
		}
		filter.SubscriptionID = &id
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := invoicedomain.InvoiceStatus(strings.ToUpper(raw))
		switch status {
		case invoicedomain.InvoiceStatusPending,
			invoicedomain.InvoiceStatusPastDue,
			invoicedomain.InvoiceStatusPaid,
			invoicedomain.InvoiceStatusVoid,
			invoicedomain.InvoiceStatusFailed:
			filter.Status = &status
		default:
			AbortWithError(c, newValidationError("status", "invalid_status", "unknown invoice status"))
			return
		}
	}

	invoices, err := s.invoiceSvc.List(c.Request.Context(), tenantID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	invoice, err := s.invoiceSvc.FindByID(c.Request.Context(), tenantID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

// ListInvoiceEvents exposes the audit trail of processor deliveries
// applied to an invoice.
func (s *Server) ListInvoiceEvents(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	// Resolve through the tenant-scoped lookup first so a foreign
	// invoice id reads as not found rather than an empty trail.
	if _, err := s.invoiceSvc.FindByID(c.Request.Context(), tenantID, id); err != nil {
		AbortWithError(c, err)
		return
	}

	events, err := s.reconciler.EventsForInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

type patchInvoiceRequest struct {
	Status        string `json:"status" binding:"required"`
	PaymentMethod string `json:"paymentMethod"`
	Notes         string `json:"notes"`
}

// PatchInvoice applies an operator status change. Voiding a paid
// invoice may return a refundWarning alongside the updated invoice
// when the compensating refund needs manual follow-up.
func (s *Server) PatchInvoice(c *gin.Context) {
	tenantID := snowflake.ID(tenantctx.FromContext(c.Request.Context()))

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req patchInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("status", "invalid_request", "status is required"))
		return
	}

	target := invoicedomain.InvoiceStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	switch target {
	case invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusVoid,
		invoicedomain.InvoiceStatusPastDue,
		invoicedomain.InvoiceStatusFailed:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "unknown target status"))
		return
	}

	invoice, refundWarning, err := s.invoiceSvc.Transition(c.Request.Context(), tenantID, id, target, req.PaymentMethod, req.Notes)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"data": invoice}
	if refundWarning != "" {
		resp["refundWarning"] = refundWarning
	}
	c.JSON(http.StatusOK, resp)
}
