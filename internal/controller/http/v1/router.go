package v1

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the status API. Middlewares apply to the /api/v1 routes
// only, so /health stays reachable for health checks.
func NewRouter(h *JobHandler, middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.GET("/health", Health)

	api := r.Group("/", middlewares...)
	h.Register(api)
	return r
}
