package controllers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

type IngestStatsSource interface {
	Stats() mqtmodels.IngestStats
}

type BrokerStatsSource interface {
	Stats() mqtmodels.BrokerStats
}

type DeviceStatusSource interface {
	Snapshot() mqtmodels.DeviceStatus
}

// MetricsController exposes pipeline counters in Prometheus text format
type MetricsController struct {
	ingest IngestStatsSource
	broker BrokerStatsSource
	device DeviceStatusSource
}

// NewMetricsController creates a new metrics controller
func NewMetricsController(ingest IngestStatsSource, broker BrokerStatsSource, device DeviceStatusSource) *MetricsController {
	return &MetricsController{ingest: ingest, broker: broker, device: device}
}

// RegisterRoutes registers the metrics route with Gin
func (c *MetricsController) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", c.Metrics)
}

func (c *MetricsController) Metrics(ctx *gin.Context) {
	var b strings.Builder

	in := c.ingest.Stats()
	writeMetric(&b, "telemetry_messages_received_total", "counter", "Data messages taken off the queue.", in.Received)
	writeMetric(&b, "telemetry_readings_persisted_total", "counter", "Readings written to storage.", in.Persisted)
	writeMetric(&b, "telemetry_parse_errors_total", "counter", "Data messages that were not a JSON object.", in.ParseErrors)
	writeMetric(&b, "telemetry_validation_errors_total", "counter", "Readings rejected by validation.", in.ValidationErrors)
	writeMetric(&b, "telemetry_skipped_offline_total", "counter", "Readings dropped while the device was offline.", in.SkippedOffline)
	writeMetric(&b, "telemetry_persistence_errors_total", "counter", "Readings lost after storage retries.", in.PersistenceErrors)
	writeMetric(&b, "telemetry_stripped_fields_total", "counter", "Client fields dropped because the server owns the key.", in.StrippedFields)

	br := c.broker.Stats()
	writeMetric(&b, "mqtt_connected", "gauge", "1 when the broker session is up.", boolGauge(br.Connected))
	writeMetric(&b, "mqtt_connects_total", "counter", "Successful broker connections.", br.Connects)
	writeMetric(&b, "mqtt_connection_lost_total", "counter", "Broker connections lost.", br.ConnectionLost)
	writeMetric(&b, "mqtt_subscribe_errors_total", "counter", "Failed topic subscriptions.", br.SubscribeErrors)
	writeMetric(&b, "mqtt_queue_dropped_total", "counter", "Messages dropped on a full queue.", br.QueueDropped)

	writeMetric(&b, "device_online", "gauge", "1 when the device last reported online.", boolGauge(c.device.Snapshot().Online))

	ctx.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeMetric(b *strings.Builder, name, kind, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, value)
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
