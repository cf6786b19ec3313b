package implementation

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestDocumentFromReading_ServerOwnedKeys(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	doc := documentFromReading(mqtmodels.Reading{
		Fields:    map[string]interface{}{"voltage": 230.0, "_id": "x", "seq": 99.0, "id": "y"},
		Timestamp: ts,
	}, 7)

	assert.Equal(t, 230.0, doc["voltage"])
	assert.Equal(t, int64(7), doc["seq"])
	assert.Equal(t, ts.UTC(), doc["timestamp"])
	assert.NotContains(t, doc, "_id")
	assert.NotContains(t, doc, "id")
}

func TestRecordFromDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := bson.M{
		"_id":       oid,
		"seq":       int32(3),
		"timestamp": primitive.NewDateTimeFromTime(ts),
		"voltage":   231.2,
		"meta":      bson.M{"fw": "1.2", "at": primitive.NewDateTimeFromTime(ts)},
		"samples":   bson.A{int32(1), int32(2)},
	}

	rec := recordFromDocument(doc)

	assert.Equal(t, oid.Hex(), rec.ID)
	assert.Equal(t, int64(3), rec.Seq)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, 231.2, rec.Fields["voltage"])
	assert.Equal(t, map[string]interface{}{"fw": "1.2", "at": ts}, rec.Fields["meta"])
	assert.Equal(t, []interface{}{int32(1), int32(2)}, rec.Fields["samples"])
	assert.NotContains(t, rec.Fields, "_id")
	assert.NotContains(t, rec.Fields, "timestamp")
}

func TestRecordFromDocument_NonFiniteDoublesBecomeNull(t *testing.T) {
	rec := recordFromDocument(bson.M{
		"_id":     "legacy",
		"moc":     math.NaN(),
		"power":   math.Inf(1),
		"voltage": 12.0,
		"nested":  bson.M{"p": math.Inf(-1)},
	})

	assert.Contains(t, rec.Fields, "moc")
	assert.Nil(t, rec.Fields["moc"])
	assert.Nil(t, rec.Fields["power"])
	assert.Equal(t, 12.0, rec.Fields["voltage"])
	assert.Equal(t, map[string]interface{}{"p": nil}, rec.Fields["nested"])
}

func TestFetchLimit(t *testing.T) {
	assert.Equal(t, defaultFetchLimit, fetchLimit(0))
	assert.Equal(t, defaultFetchLimit, fetchLimit(-3))
	assert.Equal(t, 7, fetchLimit(7))
}

func TestRecordFromDocument_LegacyDocumentWithoutSeq(t *testing.T) {
	rec := recordFromDocument(bson.M{"_id": "abc", "timestamp": "not-a-date"})
	assert.Equal(t, "abc", rec.ID)
	assert.Zero(t, rec.Seq)
	assert.True(t, rec.Timestamp.IsZero())
	assert.Equal(t, "not-a-date", rec.Fields["timestamp"])
}

// Runs against a real server when MONGO_TEST_URI is set.
func TestMongoReadingRepository_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	client, err := ConnectMongoWithTimeout(ctx, uri, 10*time.Second)
	require.NoError(t, err)

	dbName := "telemetry_test_" + primitive.NewObjectID().Hex()
	repo := NewMongoReadingRepository(client, dbName, "readings", 5*time.Second)
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(ctx)
		_ = repo.Close(ctx)
	})
	require.NoError(t, repo.EnsureSchema(ctx))

	for i := 0; i < 3; i++ {
		_, err := repo.Append(ctx, mqtmodels.Reading{
			Fields:    map[string]interface{}{"n": float64(i)},
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}
	recs, err := repo.FetchRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[0].Seq)
	assert.Equal(t, 2.0, recs[0].Fields["n"])
}
