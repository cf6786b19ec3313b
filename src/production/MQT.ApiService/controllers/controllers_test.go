package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

type fakeReadings struct {
	records []mqtmodels.StoredRecord
	err     error
	gotN    []int
}

func (f *fakeReadings) GetRecent(ctx context.Context) ([]mqtmodels.StoredRecord, error) {
	return f.GetRecentN(ctx, 50)
}

func (f *fakeReadings) GetRecentN(_ context.Context, n int) ([]mqtmodels.StoredRecord, error) {
	f.gotN = append(f.gotN, n)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func newRouter(register func(r *gin.Engine)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadingController_Root(t *testing.T) {
	r := newRouter(NewReadingController(&fakeReadings{}, logger.NewNopLogger()).RegisterRoutes)

	w := get(r, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rootBanner, w.Body.String())
}

func TestReadingController_GetRecentReadings(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeReadings{records: []mqtmodels.StoredRecord{
		{ID: "2", Seq: 2, Reading: mqtmodels.Reading{Fields: map[string]interface{}{"voltage": 231.0, "power": 462.0}, Timestamp: ts}},
		{ID: "1", Seq: 1, Reading: mqtmodels.Reading{Fields: map[string]interface{}{"voltage": 230.0}, Timestamp: ts.Add(-time.Second)}},
	}}
	r := newRouter(NewReadingController(fake, logger.NewNopLogger()).RegisterRoutes)

	w := get(r, "/api/data")
	require.Equal(t, http.StatusOK, w.Code)

	var body []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "2", body[0]["id"])
	assert.Equal(t, 462.0, body[0]["power"])
	assert.Equal(t, "2025-06-01T12:00:00Z", body[0]["timestamp"])
	assert.Equal(t, "1", body[1]["id"])
	assert.Equal(t, []int{50}, fake.gotN)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestReadingController_EmptyStoreIsEmptyArray(t *testing.T) {
	r := newRouter(NewReadingController(&fakeReadings{records: []mqtmodels.StoredRecord{}}, logger.NewNopLogger()).RegisterRoutes)

	w := get(r, "/api/data")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestReadingController_LimitParameter(t *testing.T) {
	fake := &fakeReadings{records: []mqtmodels.StoredRecord{}}
	r := newRouter(NewReadingController(fake, logger.NewNopLogger()).RegisterRoutes)

	assert.Equal(t, http.StatusOK, get(r, "/api/data?limit=5").Code)
	assert.Equal(t, []int{5}, fake.gotN)

	w := get(r, "/api/data?limit=ten")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
	assert.Len(t, fake.gotN, 1)
}

func TestReadingController_StorageFailure(t *testing.T) {
	r := newRouter(NewReadingController(&fakeReadings{err: errors.New("server selection timeout")}, logger.NewNopLogger()).RegisterRoutes)

	w := get(r, "/api/data")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"failed to fetch readings"}`, w.Body.String())
}

func TestReadingController_UnencodableRecordIsServerError(t *testing.T) {
	fake := &fakeReadings{records: []mqtmodels.StoredRecord{
		{ID: "2", Seq: 2, Reading: mqtmodels.Reading{Fields: map[string]interface{}{"power": math.Inf(1)}}},
		{ID: "1", Seq: 1, Reading: mqtmodels.Reading{Fields: map[string]interface{}{"power": 1.0}}},
	}}
	r := newRouter(NewReadingController(fake, logger.NewNopLogger()).RegisterRoutes)

	w := get(r, "/api/data")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"failed to encode readings"}`, w.Body.String())
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) GetHealthStatus(context.Context) (map[string]interface{}, bool) {
	if f.ready {
		return map[string]interface{}{"status": "ready"}, true
	}
	return map[string]interface{}{"status": "degraded"}, false
}

func TestHealthController(t *testing.T) {
	up := newRouter(NewHealthController(fakeHealth{ready: true}).RegisterRoutes)
	down := newRouter(NewHealthController(fakeHealth{ready: false}).RegisterRoutes)

	assert.Equal(t, http.StatusOK, get(up, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(down, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(up, "/health/ready").Code)

	w := get(down, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

type staticStats struct {
	ingest mqtmodels.IngestStats
	broker mqtmodels.BrokerStats
	device mqtmodels.DeviceStatus
}

func (s staticStats) Snapshot() mqtmodels.DeviceStatus { return s.device }

type ingestOnly struct{ staticStats }

func (s ingestOnly) Stats() mqtmodels.IngestStats { return s.ingest }

type brokerOnly struct{ staticStats }

func (s brokerOnly) Stats() mqtmodels.BrokerStats { return s.broker }

func TestMetricsController(t *testing.T) {
	st := staticStats{
		ingest: mqtmodels.IngestStats{Received: 10, Persisted: 7, SkippedOffline: 2, ParseErrors: 1, StrippedFields: 4},
		broker: mqtmodels.BrokerStats{Connected: true, Connects: 1, QueueDropped: 3},
		device: mqtmodels.DeviceStatus{Online: true},
	}
	r := newRouter(NewMetricsController(ingestOnly{st}, brokerOnly{st}, st).RegisterRoutes)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	body := w.Body.String()
	for _, line := range []string{
		"telemetry_messages_received_total 10",
		"telemetry_readings_persisted_total 7",
		"telemetry_skipped_offline_total 2",
		"telemetry_parse_errors_total 1",
		"mqtt_connected 1",
		"mqtt_queue_dropped_total 3",
		"telemetry_stripped_fields_total 4",
		"device_online 1",
		"# TYPE telemetry_readings_persisted_total counter",
	} {
		assert.Contains(t, body, line+"\n")
	}
}
