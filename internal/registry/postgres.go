package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deskrelay/deskrelay/internal/session"
)

// DB is the subset of *sql.DB the Postgres directory needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresDirectory keeps reserved codes in the session_codes table. Rows are
// deleted on release; nothing outlives its session.
type PostgresDirectory struct {
	db DB
}

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Exists(ctx context.Context, code session.Code) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM session_codes WHERE code = $1)`
	var exists bool
	err := d.db.QueryRowContext(ctx, q, string(code)).Scan(&exists)
	return exists, err
}

func (d *PostgresDirectory) Create(ctx context.Context, rec Record) (bool, error) {
	const q = `INSERT INTO session_codes (code, status, updated_at) VALUES ($1, $2, $3) ON CONFLICT (code) DO NOTHING`
	res, err := d.db.ExecContext(ctx, q, string(rec.Code), string(rec.Status), rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert session code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *PostgresDirectory) Put(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO session_codes (code, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`
	if _, err := d.db.ExecContext(ctx, q, string(rec.Code), string(rec.Status), rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert session code: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) Get(ctx context.Context, code session.Code) (Record, bool, error) {
	const q = `SELECT code, status, updated_at FROM session_codes WHERE code = $1`
	var (
		rec    Record
		rawC   string
		rawSts string
	)
	err := d.db.QueryRowContext(ctx, q, string(code)).Scan(&rawC, &rawSts, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	status, err := session.ParseStatus(rawSts)
	if err != nil {
		return Record{}, false, err
	}
	rec.Code = session.Code(rawC)
	rec.Status = status
	return rec, true, nil
}

func (d *PostgresDirectory) Delete(ctx context.Context, code session.Code) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM session_codes WHERE code = $1`, string(code))
	return err
}
