package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// PostgresWriter stores readings in a Postgres table keyed by reading_key.
type PostgresWriter struct {
	db        *sql.DB
	tableName string
}

func NewPostgresWriter(db *sql.DB, table string) (*PostgresWriter, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid readings table name %q", table)
	}
	return &PostgresWriter{db: db, tableName: table}, nil
}

// EnsureSchema creates the readings table when missing.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+w.tableName+
		" (reading_key TEXT PRIMARY KEY, device_id TEXT NOT NULL, recorded_at TIMESTAMPTZ NOT NULL,"+
		" received_at TIMESTAMPTZ NOT NULL, payload JSONB NOT NULL)")
	if err != nil {
		return fmt.Errorf("create %s: %w", w.tableName, err)
	}
	return nil
}

// Persist inserts r. A key already in the table inserts nothing and
// returns ErrDuplicate, whichever replica wrote it first.
func (w *PostgresWriter) Persist(ctx context.Context, r Reading) error {
	query := "INSERT INTO " + w.tableName +
		" (reading_key, device_id, recorded_at, received_at, payload) VALUES ($1,$2,$3,$4,$5)" +
		" ON CONFLICT (reading_key) DO NOTHING"

	res, err := w.db.ExecContext(ctx, query, r.Key, r.DeviceID, r.RecordedAt, r.ReceivedAt, []byte(r.Payload))
	if err != nil {
		return fmt.Errorf("insert reading %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert reading %s: %w", r.Key, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

var _ Writer = (*PostgresWriter)(nil)
