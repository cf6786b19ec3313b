package implementation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const countersCollection = "counters"

type MongoReadingRepository struct {
	client    *mongo.Client
	coll      *mongo.Collection
	counters  *mongo.Collection
	opTimeout time.Duration
}

// ConnectMongoWithTimeout creates a MongoDB connection and pings the primary
// before returning.
func ConnectMongoWithTimeout(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetServerSelectionTimeout(timeout)
	clientOptions.SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}

	// Test the connection
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return client, nil
}

func NewMongoReadingRepository(client *mongo.Client, dbName, collName string, opTimeout time.Duration) *MongoReadingRepository {
	db := client.Database(dbName)
	return &MongoReadingRepository{
		client:    client,
		coll:      db.Collection(collName),
		counters:  db.Collection(countersCollection),
		opTimeout: opTimeout,
	}
}

func (r *MongoReadingRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: mqtmodels.FieldSeq, Value: -1}},
		Options: options.Index().SetName("seq_desc"),
	})
	if err != nil {
		return fmt.Errorf("create seq index: %w", err)
	}
	return nil
}

// nextSeq allocates the next insertion sequence from the counters collection.
func (r *MongoReadingRepository) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": r.coll.Name()},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return counter.Seq, nil
}

func (r *MongoReadingRepository) Append(ctx context.Context, rd mqtmodels.Reading) (string, error) {
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()

	seq, err := r.nextSeq(ctx)
	if err != nil {
		return "", err
	}
	res, err := r.coll.InsertOne(ctx, documentFromReading(rd, seq))
	if err != nil {
		return "", err
	}
	return idString(res.InsertedID), nil
}

func (r *MongoReadingRepository) FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error) {
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()

	// Documents written before seq existed sort last and fall back to _id order.
	opts := options.Find().
		SetSort(bson.D{{Key: mqtmodels.FieldSeq, Value: -1}, {Key: mqtmodels.FieldMongoID, Value: -1}}).
		SetLimit(int64(fetchLimit(limit)))
	cursor, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	records := make([]mqtmodels.StoredRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, recordFromDocument(doc))
	}
	return records, nil
}

func (r *MongoReadingRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *MongoReadingRepository) Close(ctx context.Context) error {
	if err := r.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}

func documentFromReading(rd mqtmodels.Reading, seq int64) bson.M {
	doc := make(bson.M, len(rd.Fields)+2)
	for k, v := range rd.Fields {
		switch k {
		case mqtmodels.FieldMongoID, mqtmodels.FieldID, mqtmodels.FieldSeq:
			continue
		}
		doc[k] = v
	}
	doc[mqtmodels.FieldTimestamp] = rd.Timestamp.UTC()
	doc[mqtmodels.FieldSeq] = seq
	return doc
}

func recordFromDocument(doc bson.M) mqtmodels.StoredRecord {
	rec := mqtmodels.StoredRecord{Reading: mqtmodels.Reading{Fields: make(map[string]interface{}, len(doc))}}
	for k, v := range doc {
		switch k {
		case mqtmodels.FieldMongoID:
			rec.ID = idString(v)
		case mqtmodels.FieldSeq:
			rec.Seq = toInt64(v)
		case mqtmodels.FieldTimestamp:
			if ts, ok := toTime(v); ok {
				rec.Timestamp = ts
			} else {
				rec.Fields[k] = normalizeBSON(v)
			}
		default:
			rec.Fields[k] = normalizeBSON(v)
		}
	}
	return rec
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return ""
	default:
		return strings.Trim(fmt.Sprint(id), `"`)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC(), true
	case time.Time:
		return t.UTC(), true
	}
	return time.Time{}, false
}

// normalizeBSON converts driver types into plain Go values for JSON output.
func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		// legacy documents may hold NaN from a product of missing fields
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeBSON(val)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeBSON(val)
		}
		return out
	}
	return v
}
