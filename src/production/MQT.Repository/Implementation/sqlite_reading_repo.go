package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	_ "modernc.org/sqlite"
)

// SQLiteReadingRepository is the embedded backend used for development and
// single-node deployments.
type SQLiteReadingRepository struct {
	db        *sql.DB
	opTimeout time.Duration
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serialises writers; one connection keeps id allocation simple.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}

func NewSQLiteReadingRepository(db *sql.DB, opTimeout time.Duration) *SQLiteReadingRepository {
	return &SQLiteReadingRepository{db: db, opTimeout: opTimeout}
}

func (r *SQLiteReadingRepository) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	`
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate readings schema: %w", err)
	}
	return nil
}

func (r *SQLiteReadingRepository) Append(ctx context.Context, reading mqtmodels.Reading) (string, error) {
	payload, err := encodePayload(reading)
	if err != nil {
		return "", err
	}
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO readings (ts, payload) VALUES (?, ?)`,
		reading.Timestamp.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(id), nil
}

func (r *SQLiteReadingRepository) FetchRecent(ctx context.Context, limit int) ([]mqtmodels.StoredRecord, error) {
	ctx, cancel := withOperationTimeout(ctx, r.opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, payload FROM readings ORDER BY id DESC LIMIT ?`, fetchLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]mqtmodels.StoredRecord, 0)
	for rows.Next() {
		var (
			id      int64
			ts      string
			payload string
		)
		if err := rows.Scan(&id, &ts, &payload); err != nil {
			return nil, err
		}
		stamp, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of record %d: %w", id, err)
		}
		fields, err := decodePayload([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, mqtmodels.StoredRecord{
			ID:      fmt.Sprint(id),
			Seq:     id,
			Reading: mqtmodels.Reading{Fields: fields, Timestamp: stamp},
		})
	}
	return records, rows.Err()
}

func (r *SQLiteReadingRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteReadingRepository) Close(_ context.Context) error {
	return r.db.Close()
}
