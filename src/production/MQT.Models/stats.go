package mqtmodels

// IngestStats is a point-in-time copy of the ingestion counters.
type IngestStats struct {
	Received          int64 `json:"received"`
	Persisted         int64 `json:"persisted"`
	ParseErrors       int64 `json:"parse_errors"`
	ValidationErrors  int64 `json:"validation_errors"`
	SkippedOffline    int64 `json:"skipped_offline"`
	PersistenceErrors int64 `json:"persistence_errors"`
	StrippedFields    int64 `json:"stripped_fields"` // client keys replaced by server-owned values
}

// BrokerStats is a point-in-time copy of the broker connection counters.
type BrokerStats struct {
	Connected       bool  `json:"connected"`
	Connects        int64 `json:"connects"`
	ConnectionLost  int64 `json:"connection_lost"`
	SubscribeErrors int64 `json:"subscribe_errors"`
	QueueDropped    int64 `json:"queue_dropped"`
}
