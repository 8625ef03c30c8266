// Package tenantctx resolves the acting tenant for multi-tenant requests.
package tenantctx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dojoflow/internal/observability/obscontext"
)

// HeaderTenantID identifies the tenant on inbound API requests.
const HeaderTenantID = "X-Tenant-ID"

var ErrMissingTenant = errors.New("tenant id is required")

type tenantKey struct{}

// WithTenant attaches a tenant id to the context.
func WithTenant(ctx context.Context, tenantID int64) context.Context {
	ctx = obscontext.WithTenantID(ctx, strconv.FormatInt(tenantID, 10))
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// FromContext returns the tenant id, or 0 when absent.
func FromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if value, ok := ctx.Value(tenantKey{}).(int64); ok {
		return value
	}
	return 0
}

// GinMiddleware requires a tenant header on API routes.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		tenantID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tenantID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrMissingTenant.Error()})
			return
		}
		c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), tenantID))
		c.Next()
	}
}
