package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces"
)

const DefaultQueryLimit = 50

// Options tunes the writer's retry and query behaviour.
type Options struct {
	QueryLimit      int
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

// Writer is the single owner of the durable backend. It is safe for
// concurrent use by ingestion workers and HTTP handlers.
type Writer struct {
	repo    interfaces.ReadingRepository
	opts    Options
	breaker *circuitBreaker
	log     *logger.Logger
}

func NewWriter(repo interfaces.ReadingRepository, opts Options, log *logger.Logger) *Writer {
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = DefaultQueryLimit
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = opts.RetryInitial
	}
	return &Writer{
		repo:    repo,
		opts:    opts,
		breaker: newCircuitBreaker(opts.BreakerFailures, opts.BreakerReset),
		log:     log.WithComponent("storage"),
	}
}

// DefaultLimit is the configured maximum page size for FetchRecent.
func (w *Writer) DefaultLimit() int {
	return w.opts.QueryLimit
}

// Append persists one reading, retrying transient failures with
// exponential backoff. The returned error wraps interfaces.ErrPersistence.
// Readings the backend rejects as unencodable are not retried and do not
// count towards the breaker.
func (w *Writer) Append(ctx context.Context, r mqtmodels.Reading) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.RetryInitial
	bo.MaxInterval = w.opts.RetryMax

	attempt := 0
	operation := func() (string, error) {
		attempt++
		if !w.breaker.canExecute() {
			return "", backoff.Permanent(fmt.Errorf("%w: circuit breaker is open", interfaces.ErrStorageUnavailable))
		}
		id, err := w.repo.Append(ctx, r)
		if errors.Is(err, interfaces.ErrUnencodable) {
			// the reading is at fault, not the backend
			w.breaker.onRejected()
			return "", backoff.Permanent(err)
		}
		if err != nil {
			w.breaker.onFailure()
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		w.breaker.onSuccess()
		return id, nil
	}

	notify := func(err error, next time.Duration) {
		w.log.Logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Append failed, retrying")
	}

	id, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(w.opts.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if errors.Is(err, interfaces.ErrStorageUnavailable) || errors.Is(err, interfaces.ErrUnencodable) {
			return "", fmt.Errorf("%w: %w", interfaces.ErrPersistence, err)
		}
		return "", fmt.Errorf("%w after %d attempts: %w", interfaces.ErrPersistence, attempt, err)
	}
	return id, nil
}

// FetchRecent returns up to limit records, newest first. A limit outside
// (0, DefaultLimit] is replaced by DefaultLimit.
func (w *Writer) FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error) {
	if limit <= 0 || limit > w.opts.QueryLimit {
		limit = w.opts.QueryLimit
	}
	records, err := w.repo.FetchRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrStorageUnavailable, err)
	}
	if records == nil {
		records = []mqtmodels.StoredRecord{}
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (w *Writer) Ping(ctx context.Context) error {
	if err := w.repo.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

// BreakerState reports the write-path breaker as closed, open or half-open.
func (w *Writer) BreakerState() string {
	return w.breaker.currentState().String()
}

func (w *Writer) Close(ctx context.Context) error {
	return w.repo.Close(ctx)
}
