package implementation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces"
)

// ensureFieldsNotNull ensures Fields is not nil to prevent null JSON issues
func ensureFieldsNotNull(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return make(map[string]interface{})
	}
	return fields
}

// encodePayload serialises the device fields for the SQL backends. Server
// owned keys live in their own columns and are never part of the payload.
func encodePayload(r mqtmodels.Reading) ([]byte, error) {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range ensureFieldsNotNull(r.Fields) {
		switch k {
		case mqtmodels.FieldTimestamp, mqtmodels.FieldID, mqtmodels.FieldMongoID, mqtmodels.FieldSeq:
			continue
		}
		fields[k] = v
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal payload: %w", interfaces.ErrUnencodable, err)
	}
	return payload, nil
}

// decodePayload keeps numbers as json.Number so values round-trip exactly.
func decodePayload(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return ensureFieldsNotNull(fields), nil
}

// defaultFetchLimit matches the writer's page size for callers that pass no limit.
const defaultFetchLimit = 50

// fetchLimit replaces a non-positive limit with defaultFetchLimit. Mongo reads
// a zero limit as unbounded and SQL as empty, so neither may see one.
func fetchLimit(limit int) int {
	if limit <= 0 {
		return defaultFetchLimit
	}
	return limit
}

// withOperationTimeout bounds a single backend call. A zero timeout leaves
// the caller's deadline in place.
func withOperationTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
