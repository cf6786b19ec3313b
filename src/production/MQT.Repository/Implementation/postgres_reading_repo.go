package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

type PostgresReadingRepository struct {
	db        *sql.DB
	table     string
	opTimeout time.Duration
}

// ConnectPostgresWithTimeout opens a pooled PostgreSQL connection and pings it.
func ConnectPostgresWithTimeout(ctx context.Context, dsn string, maxConns int, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewPostgresReadingRepository(db *sql.DB, table string, opTimeout time.Duration) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db, table: pq.QuoteIdentifier(table), opTimeout: opTimeout}
}

func (r *PostgresReadingRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id      BIGSERIAL PRIMARY KEY,
			ts      TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		)`, r.table)
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create readings table: %w", err)
	}
	return nil
}

func (r *PostgresReadingRepository) Append(ctx context.Context, reading mqtmodels.Reading) (string, error) {
	payloadJSON, err := encodePayload(reading)
	if err != nil {
		return "", err
	}

	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (ts, payload) VALUES ($1, $2) RETURNING id`, r.table)
	var id int64
	if err := r.db.QueryRowContext(ctx, query, reading.Timestamp.UTC(), payloadJSON).Scan(&id); err != nil {
		return "", err
	}
	return fmt.Sprint(id), nil
}

func (r *PostgresReadingRepository) FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error) {
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, ts, payload FROM %s ORDER BY id DESC LIMIT $1`, r.table)

	rows, err := r.db.QueryContext(ctx, query, fetchLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]mqtmodels.StoredRecord, 0)
	for rows.Next() {
		var (
			id          int64
			ts          time.Time
			payloadJSON []byte
		)
		if err := rows.Scan(&id, &ts, &payloadJSON); err != nil {
			return nil, err
		}
		fields, err := decodePayload(payloadJSON)
		if err != nil {
			return nil, err
		}
		records = append(records, mqtmodels.StoredRecord{
			ID:      fmt.Sprint(id),
			Seq:     id,
			Reading: mqtmodels.Reading{Fields: fields, Timestamp: ts.UTC()},
		})
	}

	return records, rows.Err()
}

func (r *PostgresReadingRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresReadingRepository) Close(_ context.Context) error {
	return r.db.Close()
}
