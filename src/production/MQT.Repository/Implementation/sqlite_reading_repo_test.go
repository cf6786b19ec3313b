package implementation

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces"
)

func newTestSQLite(t *testing.T) *SQLiteReadingRepository {
	t.Helper()
	return newTestSQLiteWithTimeout(t, 5*time.Second)
}

func newTestSQLiteWithTimeout(t *testing.T, opTimeout time.Duration) *SQLiteReadingRepository {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "readings.db"))
	require.NoError(t, err)
	repo := NewSQLiteReadingRepository(db, opTimeout)
	require.NoError(t, repo.EnsureSchema(ctx))
	t.Cleanup(func() { _ = repo.Close(ctx) })
	return repo
}

func TestSQLiteReadingRepository_AppendAndFetchNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id, err := repo.Append(ctx, mqtmodels.Reading{
			Fields:    map[string]interface{}{"voltage": float64(220 + i), "n": float64(i)},
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	recs, err := repo.FetchRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	for i, want := range []int64{4, 3, 2} {
		n, ok := recs[i].Number("n")
		require.True(t, ok)
		assert.Equal(t, float64(want), n)
		assert.Equal(t, t0.Add(time.Duration(want)*time.Second), recs[i].Timestamp)
	}
	assert.Greater(t, recs[0].Seq, recs[1].Seq)
	assert.Greater(t, recs[1].Seq, recs[2].Seq)
}

func TestSQLiteReadingRepository_EmptyStore(t *testing.T) {
	recs, err := newTestSQLite(t).FetchRecent(context.Background(), 50)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestSQLiteReadingRepository_PayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)

	_, err := repo.Append(ctx, mqtmodels.Reading{
		Fields: map[string]interface{}{
			"voltage":  12.5,
			"current1": nil,
			"label":    "bench",
			"nested":   map[string]interface{}{"a": 1.0},
			"id":       "client-supplied",
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	recs, err := repo.FetchRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	f := recs[0].Fields
	assert.Equal(t, json.Number("12.5"), f["voltage"])
	assert.Contains(t, f, "current1")
	assert.Nil(t, f["current1"])
	assert.Equal(t, "bench", f["label"])
	assert.NotContains(t, f, "id")
	assert.Equal(t, "1", recs[0].ID)
}

func TestSQLiteReadingRepository_SchemaIsIdempotent(t *testing.T) {
	repo := newTestSQLite(t)
	assert.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestSQLiteReadingRepository_ZeroLimitUsesDefaultPage(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	for i := 0; i < 3; i++ {
		_, err := repo.Append(ctx, mqtmodels.Reading{Fields: map[string]interface{}{"n": float64(i)}, Timestamp: time.Now()})
		require.NoError(t, err)
	}

	recs, err := repo.FetchRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestSQLiteReadingRepository_OperationTimeout(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLiteWithTimeout(t, 50*time.Millisecond)

	// the pool has a single connection; holding it stalls every other call
	conn, err := repo.db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = repo.Append(ctx, mqtmodels.Reading{Fields: map[string]interface{}{"n": 1.0}, Timestamp: time.Now()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = repo.FetchRecent(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSQLiteReadingRepository_NonFiniteValueIsUnencodable(t *testing.T) {
	repo := newTestSQLite(t)

	_, err := repo.Append(context.Background(), mqtmodels.Reading{
		Fields:    map[string]interface{}{"power": math.Inf(1)},
		Timestamp: time.Now(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrUnencodable)
}
