package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dp_changes (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS dp_changes_device_time
			ON dp_changes (device_id, created_at DESC)`)
	return err
}

// RecordDPChange inserts one datapoint transition.
func (s *PostgresStore) RecordDPChange(ctx context.Context, change *DPChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO dp_changes (id, created_at, device_id, attribute, value)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		change.ID, change.CreatedAt, change.DeviceID, change.Attribute, change.Value,
	)
	return err
}

// ListDPChanges lists recorded transitions for a device, newest first.
func (s *PostgresStore) ListDPChanges(ctx context.Context, deviceID string, since time.Time, limit int) ([]*DPChange, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, created_at, device_id, attribute, value
		FROM dp_changes
		WHERE device_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, deviceID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*DPChange
	for rows.Next() {
		var c DPChange
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.DeviceID, &c.Attribute, &c.Value); err != nil {
			return nil, err
		}
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}
