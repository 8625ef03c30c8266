package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunBilling triggers one synchronous billing run and returns its
// summary. The run is idempotent, so operators can call it freely;
// per-subscription failures are listed without failing the request.
func (s *Server) RunBilling(c *gin.Context) {
	result, err := s.scheduler.BillingRun(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
