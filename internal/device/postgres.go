package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// PostgresStore reads identities from the sensors table.
type PostgresStore struct {
	db    *sql.DB
	query string
}

// NewPostgresStore creates a store over db reading from table.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid sensors table name %q", table)
	}
	return &PostgresStore{
		db:    db,
		query: "SELECT device_id, secret, registered_at, revoked FROM " + table + " WHERE device_id = $1",
	}, nil
}

// Lookup fetches the current identity for deviceID.
func (s *PostgresStore) Lookup(ctx context.Context, deviceID string) (*Identity, error) {
	var id Identity
	err := s.db.QueryRowContext(ctx, s.query, deviceID).Scan(&id.DeviceID, &id.Secret, &id.RegisteredAt, &id.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	return &id, nil
}

var _ Store = (*PostgresStore)(nil)
