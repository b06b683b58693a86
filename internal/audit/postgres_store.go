package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cryptocardia/sandbox/internal/sqlstore"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists audit events in PostgreSQL. Writes join the
// transaction carried by the context, if any.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_events table and its append-only guard.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id          VARCHAR(36) PRIMARY KEY,
			run_id      VARCHAR(36) NOT NULL,
			seq         BIGINT NOT NULL CHECK (seq > 0),
			event_type  VARCHAR(64) NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			data        JSONB NOT NULL,
			prev_hash   VARCHAR(64) NOT NULL DEFAULT '',
			event_hash  VARCHAR(64) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (run_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_created
			ON audit_events (created_at DESC);

		CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'audit_events is append-only';
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events;
		CREATE TRIGGER audit_events_no_mutation
			BEFORE UPDATE OR DELETE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION audit_events_append_only();
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := sqlstore.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audit_events (id, run_id, seq, event_type, message, data, prev_hash, event_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.ID,
		e.RunID,
		e.Seq,
		e.EventType,
		e.Message,
		string(e.Data),
		e.PrevHash,
		e.EventHash,
		e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: %s seq %d", ErrAppendConflict, e.RunID, e.Seq)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

const selectEvent = `SELECT id, run_id, seq, event_type, message, data, prev_hash, event_hash, created_at FROM audit_events`

func (s *PostgresStore) Latest(ctx context.Context, runID string) (*Event, error) {
	row := sqlstore.Conn(ctx, s.db).QueryRowContext(ctx,
		selectEvent+` WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest audit event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByRun(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := sqlstore.Conn(ctx, s.db).QueryContext(ctx,
		selectEvent+` WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*Event, error) {
	var e Event
	var data []byte
	if err := sc.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &e.Message, &data, &e.PrevHash, &e.EventHash, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Data = data
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
