package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.ApiService/middleware"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

const rootBanner = "Backend MQTT telemetry bridge is running"

// RecentReadings is the query service behind /api/data.
type RecentReadings interface {
	GetRecent(ctx context.Context) ([]mqtmodels.StoredRecord, error)
	GetRecentN(ctx context.Context, n int) ([]mqtmodels.StoredRecord, error)
}

// ReadingController handles the public read-only reading endpoints
type ReadingController struct {
	readings RecentReadings
	logger   *logger.Logger
}

// NewReadingController creates a new reading controller
func NewReadingController(readings RecentReadings, logger *logger.Logger) *ReadingController {
	return &ReadingController{
		readings: readings,
		logger:   logger,
	}
}

// RegisterRoutes registers the reading routes with Gin
func (c *ReadingController) RegisterRoutes(router *gin.Engine) {
	router.GET("/", c.Root)
	router.GET("/api/data", c.GetRecentReadings)
}

func (c *ReadingController) Root(ctx *gin.Context) {
	ctx.String(http.StatusOK, rootBanner)
}

// GetRecentReadings returns the newest readings as a JSON array. An optional
// limit query parameter narrows the page; it never widens it past the
// configured maximum.
func (c *ReadingController) GetRecentReadings(ctx *gin.Context) {
	var (
		records []mqtmodels.StoredRecord
		err     error
	)
	if raw, ok := ctx.GetQuery("limit"); ok {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		records, err = c.readings.GetRecentN(ctx.Request.Context(), n)
	} else {
		records, err = c.readings.GetRecent(ctx.Request.Context())
	}
	if err != nil {
		c.logger.WithRequestID(middleware.GetRequestID(ctx)).ErrorWithError(err, "Failed to fetch readings")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch readings"})
		return
	}

	// Encode before writing the status so a bad record is a 500, not an empty 200.
	body, err := json.Marshal(records)
	if err != nil {
		c.logger.WithRequestID(middleware.GetRequestID(ctx)).ErrorWithError(err, "Failed to encode readings")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode readings"})
		return
	}
	ctx.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
