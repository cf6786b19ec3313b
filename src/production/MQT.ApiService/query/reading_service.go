package query

import (
	"context"
	"fmt"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

// RecentReader is the read side of the storage writer.
type RecentReader interface {
	FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error)
	DefaultLimit() int
}

// ReadingService answers "most recent N" queries. It never looks at
// device liveness.
type ReadingService struct {
	store RecentReader
}

func NewReadingService(store RecentReader) *ReadingService {
	return &ReadingService{store: store}
}

// GetRecent returns up to the configured limit of records, newest first.
func (s *ReadingService) GetRecent(ctx context.Context) ([]mqtmodels.StoredRecord, error) {
	return s.GetRecentN(ctx, s.store.DefaultLimit())
}

// GetRecentN returns up to n records; n is clamped by the store.
func (s *ReadingService) GetRecentN(ctx context.Context, n int) ([]mqtmodels.StoredRecord, error) {
	records, err := s.store.FetchRecent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("fetch recent readings: %w", err)
	}
	if records == nil {
		records = []mqtmodels.StoredRecord{}
	}
	return records, nil
}

func (s *ReadingService) DefaultLimit() int {
	return s.store.DefaultLimit()
}
