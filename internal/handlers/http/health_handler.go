package http

import (
	"net/http"

	"confab/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports open relay connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	checker *monitoring.HealthChecker
	conns   ConnectionCounter
}

func NewHealthHandler(checker *monitoring.HealthChecker, conns ConnectionCounter) *HealthHandler {
	return &HealthHandler{checker: checker, conns: conns}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is a liveness probe; it never touches dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.conns != nil {
		resp["connections"] = h.conns.ConnectionCount()
	}
	c.JSON(http.StatusOK, resp)
}

// Ready runs every registered dependency check.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
