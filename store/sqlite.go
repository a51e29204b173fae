package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/davidroman0O/procession"
)

// SQLiteStore persists snapshots in a SQLite database, one row per process.
// Use ":memory:" as the path for an ephemeral database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_snapshots (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			completed_count INTEGER NOT NULL,
			compensation_cursor INTEGER NOT NULL,
			failure TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, state procession.ProcessState) error {
	var failure sql.NullString
	if state.Failure != nil {
		failure = sql.NullString{String: state.Failure.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_snapshots (id, status, completed_count, compensation_cursor, failure)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_count = excluded.completed_count,
			compensation_cursor = excluded.compensation_cursor,
			failure = excluded.failure
	`, state.ID.String(), state.Status.String(), state.CompletedCount, state.CompensationCursor, failure)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id uuid.UUID) (*procession.ProcessState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, completed_count, compensation_cursor, failure
		FROM process_snapshots WHERE id = ?
	`, id.String())

	var (
		statusName string
		completed  int
		cursor     int
		failure    sql.NullString
	)
	if err := row.Scan(&statusName, &completed, &cursor, &failure); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Join(ErrSnapshotNotFound, fmt.Errorf("%s", id))
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	status, err := procession.ParseProcessStatus(statusName)
	if err != nil {
		return nil, err
	}

	state := &procession.ProcessState{
		ID:                 id,
		Status:             status,
		CompletedCount:     completed,
		CompensationCursor: cursor,
	}
	if failure.Valid {
		state.Failure = errors.New(failure.String)
	}
	return state, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_snapshots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n == 0 {
		return errors.Join(ErrSnapshotNotFound, fmt.Errorf("%s", id))
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM process_snapshots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning snapshot id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
