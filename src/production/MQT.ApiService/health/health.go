package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by the storage writer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionChecker is satisfied by the MQTT manager.
type ConnectionChecker interface {
	IsConnected() bool
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	store   Pinger
	broker  ConnectionChecker
	timeout time.Duration
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(store Pinger, broker ConnectionChecker, version string) *HealthChecker {
	return &HealthChecker{store: store, broker: broker, timeout: 2 * time.Second, version: version}
}

// CheckStorageHealth pings the backend with a short timeout.
func (h *HealthChecker) CheckStorageHealth(ctx context.Context) error {
	if h.store == nil {
		return fmt.Errorf("storage is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping failed: %w", err)
	}
	return nil
}

// CheckBrokerHealth reports whether the MQTT session is up.
func (h *HealthChecker) CheckBrokerHealth() error {
	if h.broker == nil || !h.broker.IsConnected() {
		return fmt.Errorf("mqtt broker not connected")
	}
	return nil
}

// GetHealthStatus returns the current health status and whether the service
// is ready to serve.
func (h *HealthChecker) GetHealthStatus(ctx context.Context) (map[string]interface{}, bool) {
	checks := make(map[string]interface{})
	status := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"checks":    checks,
	}

	ready := true
	record := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = map[string]interface{}{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]interface{}{"status": "ok"}
	}
	record("storage", h.CheckStorageHealth(ctx))
	record("mqtt", h.CheckBrokerHealth())

	// Overall status
	if ready {
		status["status"] = "ready"
	} else {
		status["status"] = "degraded"
	}
	return status, ready
}
