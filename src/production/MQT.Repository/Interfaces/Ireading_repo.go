package interfaces

import (
	"context"
	"errors"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

//go:generate mockgen -destination=mock_reading_repo.go -package=interfaces gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces ReadingRepository

var (
	// ErrStorageUnavailable means the backend could not be reached or the
	// write path is failing fast.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrPersistence means an append was given up after its retries.
	ErrPersistence = errors.New("persistence failed")
	// ErrUnencodable means the backend cannot represent the reading at all.
	// Retrying it will never succeed.
	ErrUnencodable = errors.New("reading cannot be encoded")
)

// ReadingRepository is one durable backend for accepted readings.
type ReadingRepository interface {
	// Append stores the reading and returns the backend record id.
	Append(ctx context.Context, reading mqtmodels.Reading) (string, error)

	// FetchRecent returns at most limit records, highest Seq first.
	FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error)

	// EnsureSchema creates tables, sequences and indexes when missing.
	EnsureSchema(ctx context.Context) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
