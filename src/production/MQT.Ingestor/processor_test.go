package mqtingestor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	liveness "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Liveness"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

type memStore struct {
	mu       sync.Mutex
	readings []mqtmodels.Reading
	err      error
}

func (s *memStore) Append(_ context.Context, r mqtmodels.Reading) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.readings = append(s.readings, r)
	return "id", nil
}

func (s *memStore) all() []mqtmodels.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mqtmodels.Reading(nil), s.readings...)
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, online bool, cfg Config) (*Processor, *memStore, *liveness.Tracker) {
	t.Helper()
	store := &memStore{}
	tr := liveness.NewTracker("online")
	if online {
		tr.SetStatus([]byte("online"))
	}
	p := NewProcessor(store, tr, cfg, logger.NewNopLogger(), WithClock(func() time.Time { return t0 }))
	return p, store, tr
}

func defaultConfig() Config {
	return Config{DerivedRules: mqtmodels.DefaultDerivedRules()}
}

func TestHandle_OfflineIsSkipped(t *testing.T) {
	p, store, _ := newTestProcessor(t, false, defaultConfig())

	outcome, err := p.Handle(context.Background(), []byte(`{"voltage":230,"current":1}`))

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedOffline, outcome)
	assert.Empty(t, store.all())
	assert.Equal(t, int64(1), p.Stats().SkippedOffline)
	assert.Equal(t, int64(0), p.Stats().Persisted)
}

func TestHandle_PersistsOnlineReadingWithServerTimestamp(t *testing.T) {
	p, store, _ := newTestProcessor(t, true, defaultConfig())

	outcome, err := p.Handle(context.Background(), []byte(`{"voltage":230,"current":2,"timestamp":"1999-01-01T00:00:00Z"}`))

	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)
	got := store.all()
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].Timestamp)
	assert.NotContains(t, got[0].Fields, "timestamp")
	assert.Equal(t, 460.0, got[0].Fields["power"])
	assert.Equal(t, int64(1), p.Stats().Persisted)
}

func TestHandle_LivenessFlipIsObservedPerMessage(t *testing.T) {
	p, store, tr := newTestProcessor(t, false, defaultConfig())
	ctx := context.Background()

	out, _ := p.Handle(ctx, []byte(`{"voltage":1}`))
	assert.Equal(t, OutcomeSkippedOffline, out)

	tr.SetStatus([]byte("online"))
	out, _ = p.Handle(ctx, []byte(`{"voltage":2}`))
	assert.Equal(t, OutcomePersisted, out)

	tr.SetStatus([]byte("offline"))
	out, _ = p.Handle(ctx, []byte(`{"voltage":3}`))
	assert.Equal(t, OutcomeSkippedOffline, out)

	require.Len(t, store.all(), 1)
	assert.Equal(t, 2.0, store.all()[0].Fields["voltage"])
}

func TestHandle_DerivedFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]interface{}
		absent  []string
	}{
		{
			name:    "single channel",
			payload: `{"voltage":12,"current":0.5}`,
			want:    map[string]interface{}{"power": 6.0},
			absent:  []string{"power1", "power2"},
		},
		{
			name:    "two channels",
			payload: `{"voltage":10,"current1":1.5,"current2":2}`,
			want:    map[string]interface{}{"power1": 15.0, "power2": 20.0},
			absent:  []string{"power"},
		},
		{
			name:    "null input leaves output unset",
			payload: `{"voltage":10,"current1":null,"current2":3}`,
			want:    map[string]interface{}{"power2": 30.0},
			absent:  []string{"power", "power1"},
		},
		{
			name:    "missing voltage",
			payload: `{"current":1}`,
			absent:  []string{"power", "power1", "power2"},
		},
		{
			name:    "client power is replaced",
			payload: `{"voltage":2,"current":3,"power":999}`,
			want:    map[string]interface{}{"power": 6.0},
		},
		{
			name:    "client power without inputs is dropped",
			payload: `{"power":999}`,
			absent:  []string{"power"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, _ := newTestProcessor(t, true, defaultConfig())
			outcome, err := p.Handle(context.Background(), []byte(tt.payload))
			require.NoError(t, err)
			require.Equal(t, OutcomePersisted, outcome)

			fields := store.all()[0].Fields
			for k, v := range tt.want {
				assert.Equal(t, v, fields[k], k)
			}
			for _, k := range tt.absent {
				assert.NotContains(t, fields, k)
			}
		})
	}
}

func TestHandle_ParseErrors(t *testing.T) {
	for _, payload := range []string{`not json`, `[1,2,3]`, `"online"`, `null`, ``, `{"voltage":`} {
		t.Run(payload, func(t *testing.T) {
			p, store, _ := newTestProcessor(t, true, defaultConfig())
			outcome, err := p.Handle(context.Background(), []byte(payload))
			assert.Equal(t, OutcomeParseError, outcome)
			assert.ErrorIs(t, err, ErrParse)
			assert.Empty(t, store.all())
			assert.Equal(t, int64(1), p.Stats().ParseErrors)
		})
	}
}

func TestHandle_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		payload string
	}{
		{"non-numeric voltage", defaultConfig(), `{"voltage":"230","current":1}`},
		{"boolean current", defaultConfig(), `{"voltage":230,"current":true}`},
		{"missing required", Config{RequiredFields: []string{"voltage"}}, `{"current":1}`},
		{"null required", Config{RequiredFields: []string{"voltage"}}, `{"voltage":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, _ := newTestProcessor(t, true, tt.cfg)
			outcome, err := p.Handle(context.Background(), []byte(tt.payload))
			assert.Equal(t, OutcomeValidationError, outcome)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, store.all())
			assert.Equal(t, int64(1), p.Stats().ValidationErrors)
		})
	}
}

func TestHandle_NonFiniteDerivedValueIsRejected(t *testing.T) {
	p, store, _ := newTestProcessor(t, true, defaultConfig())

	outcome, err := p.Handle(context.Background(), []byte(`{"voltage":1e200,"current":1e200}`))

	assert.Equal(t, OutcomeValidationError, outcome)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `"power"`)
	assert.Empty(t, store.all())
	assert.Equal(t, int64(1), p.Stats().ValidationErrors)
	assert.Equal(t, int64(0), p.Stats().PersistenceErrors)

	// a well-formed reading right after is unaffected
	outcome, err = p.Handle(context.Background(), []byte(`{"voltage":10,"current":2}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, outcome)
	assert.Equal(t, 20.0, store.all()[0].Fields["power"])
}

func TestHandle_ServerOwnedFieldsAreCounted(t *testing.T) {
	p, store, _ := newTestProcessor(t, true, defaultConfig())

	_, err := p.Handle(context.Background(), []byte(`{"voltage":1,"id":"dev-7","seq":3,"label":"bench"}`))
	require.NoError(t, err)

	fields := store.all()[0].Fields
	assert.NotContains(t, fields, "id")
	assert.NotContains(t, fields, "seq")
	assert.Equal(t, "bench", fields["label"])
	assert.Equal(t, int64(2), p.Stats().StrippedFields)
}

func TestHandle_PersistenceError(t *testing.T) {
	p, store, _ := newTestProcessor(t, true, defaultConfig())
	store.err = errors.New("disk full")

	outcome, err := p.Handle(context.Background(), []byte(`{"voltage":1}`))

	assert.Equal(t, OutcomePersistenceError, outcome)
	assert.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().PersistenceErrors)
	assert.Equal(t, int64(1), p.Stats().Received)
}

func TestHandle_TimestampsStrictlyIncrease(t *testing.T) {
	p, store, _ := newTestProcessor(t, true, defaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if out, _ := p.Handle(ctx, []byte(`{"voltage":1}`)); out != OutcomePersisted {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	seen := make(map[time.Time]bool)
	for _, r := range store.all() {
		assert.False(t, seen[r.Timestamp], "duplicate timestamp %s", r.Timestamp)
		seen[r.Timestamp] = true
		assert.False(t, r.Timestamp.Before(t0))
	}
	assert.Len(t, seen, 200)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "persisted", OutcomePersisted.String())
	assert.Equal(t, "skipped_offline", OutcomeSkippedOffline.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
