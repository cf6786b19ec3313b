package mqtmodels

import (
	"encoding/json"
	"time"
)

// Keys owned by the server. Client payloads never set these.
const (
	FieldTimestamp = "timestamp"
	FieldID        = "id"
	FieldMongoID   = "_id"
	FieldSeq       = "seq"
)

// Reading is one accepted telemetry sample. Fields holds the device payload
// (plus any derived values); Timestamp is the server capture time.
type Reading struct {
	Fields    map[string]interface{} `json:"fields"`
	Timestamp time.Time              `json:"timestamp"`
}

// Number returns the value of key as a float64 when it is present,
// non-null and numeric.
func (r Reading) Number(key string) (float64, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// StoredRecord is a Reading as persisted. Seq is the store's insertion
// order and the only ordering key for retrieval.
type StoredRecord struct {
	ID  string
	Seq int64
	Reading
}

// MarshalJSON flattens the record so dashboards see the device fields at the
// top level next to id, seq and timestamp.
func (r StoredRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldID] = r.ID
	out[FieldSeq] = r.Seq
	out[FieldTimestamp] = r.Timestamp.UTC()
	return json.Marshal(out)
}
