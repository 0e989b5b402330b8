package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// PostgresStore persists build records to Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to conn and creates the schema when missing.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS bundle_builds (
    id TEXT PRIMARY KEY,
    cache_key TEXT NOT NULL,
    status TEXT NOT NULL,
    error_kind TEXT,
    error_message TEXT,
    error_package TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS bundle_builds_key_finished_idx ON bundle_builds (cache_key, finished_at DESC);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	query := `INSERT INTO bundle_builds (id, cache_key, status, error_kind, error_message, error_package, created_at, started_at, finished_at, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    error_kind = EXCLUDED.error_kind,
    error_message = EXCLUDED.error_message,
    error_package = EXCLUDED.error_package,
    finished_at = EXCLUDED.finished_at,
    duration_ms = EXCLUDED.duration_ms`
	var startedAt *time.Time
	if !rec.StartedAt.IsZero() {
		startedAt = &rec.StartedAt
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Key),
		string(rec.Status),
		nullString(string(rec.ErrorKind)),
		nullString(rec.ErrorMessage),
		nullString(rec.ErrorPackage),
		rec.CreatedAt,
		startedAt,
		rec.FinishedAt,
		rec.Duration.Milliseconds(),
	)
	return err
}

const selectRecord = `SELECT id, cache_key, status, error_kind, error_message, error_package, created_at, started_at, finished_at, duration_ms FROM bundle_builds`

func (s *PostgresStore) Last(ctx context.Context, key bundle.Key) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE cache_key=$1 ORDER BY finished_at DESC LIMIT 1`, string(key))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+` ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                     Record
		key, status             string
		errKind, errMsg, errPkg sql.NullString
		startedAt               sql.NullTime
		durationMS              int64
	)
	if err := row.Scan(&rec.ID, &key, &status, &errKind, &errMsg, &errPkg, &rec.CreatedAt, &startedAt, &rec.FinishedAt, &durationMS); err != nil {
		return Record{}, err
	}
	rec.Key = bundle.Key(key)
	rec.Status = bundle.Status(status)
	rec.ErrorKind = bundle.Kind(errKind.String)
	rec.ErrorMessage = errMsg.String
	rec.ErrorPackage = errPkg.String
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
