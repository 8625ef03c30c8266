package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleWebhook receives provider webhook deliveries. The raw body is
// read before anything touches it because signature verification runs
// over the exact bytes the provider sent.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, newValidationError("body", "invalid_request", "request body could not be read"))
		return
	}

	result, err := s.reconciler.Handle(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"verdict": result.Verdict,
	}})
}
