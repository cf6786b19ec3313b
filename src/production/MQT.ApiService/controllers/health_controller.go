package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthReporter is satisfied by health.HealthChecker.
type HealthReporter interface {
	GetHealthStatus(ctx context.Context) (map[string]interface{}, bool)
}

// HealthController handles liveness and readiness probes
type HealthController struct {
	checker HealthReporter
}

// NewHealthController creates a new health controller
func NewHealthController(checker HealthReporter) *HealthController {
	return &HealthController{checker: checker}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	status, ready := c.checker.GetHealthStatus(ctx.Request.Context())
	if !ready {
		ctx.JSON(http.StatusServiceUnavailable, status)
		return
	}
	ctx.JSON(http.StatusOK, status)
}
