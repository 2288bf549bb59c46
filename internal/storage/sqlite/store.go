// Package sqlite implements storage.Store backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"calseries/internal/storage"
	"calseries/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
	tx *sql.Tx
}

// New opens a SQLite database at dsn and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) GetSeries(ctx context.Context, id int64) (*storage.Series, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT id, uid, start_at, end_at, rrule, summary, last_modified
		 FROM series WHERE id = ?`, id,
	)
	return scanSeries(row)
}

func (s *Store) SaveSeries(ctx context.Context, rec *storage.Series) error {
	if rec == nil {
		return storage.ErrInvalidInput
	}
	if rec.ID == 0 {
		return s.insertSeries(ctx, rec)
	}

	res, err := s.q().ExecContext(ctx,
		`UPDATE series SET uid = ?, start_at = ?, end_at = ?, rrule = ?, summary = ?, last_modified = ?
		 WHERE id = ?`,
		rec.UID, rec.Start.UTC().Format(timeLayout), rec.End.UTC().Format(timeLayout),
		rec.RRule, rec.Summary, rec.LastModified.UTC().Format(timeLayout), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update series: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSeries(ctx context.Context, rec *storage.Series) (int64, error) {
	if rec == nil {
		return 0, storage.ErrInvalidInput
	}
	rec.ID = 0
	if err := s.insertSeries(ctx, rec); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (s *Store) insertSeries(ctx context.Context, rec *storage.Series) error {
	res, err := s.q().ExecContext(ctx,
		`INSERT INTO series (uid, start_at, end_at, rrule, summary, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.Start.UTC().Format(timeLayout), rec.End.UTC().Format(timeLayout),
		rec.RRule, rec.Summary, rec.LastModified.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert series: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (s *Store) DeleteSeries(ctx context.Context, id int64) error {
	if _, err := s.q().ExecContext(ctx,
		`DELETE FROM excluded_dates WHERE series_id = ?`, id); err != nil {
		return fmt.Errorf("delete excluded dates: %w", err)
	}
	res, err := s.q().ExecContext(ctx, `DELETE FROM series WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListSeriesStartingBefore(ctx context.Context, t time.Time) ([]*storage.Series, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, uid, start_at, end_at, rrule, summary, last_modified
		 FROM series WHERE start_at <= ? ORDER BY start_at`,
		t.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Series
	for rows.Next() {
		rec, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListExcludedDates(ctx context.Context, seriesID int64) ([]time.Time, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT date FROM excluded_dates WHERE series_id = ? ORDER BY date`, seriesID,
	)
	if err != nil {
		return nil, fmt.Errorf("query excluded dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan excluded date: %w", err)
		}
		d, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("parse excluded date %q: %w", raw, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) InsertExcludedDate(ctx context.Context, seriesID int64, date time.Time) error {
	res, err := s.q().ExecContext(ctx,
		`INSERT OR IGNORE INTO excluded_dates (series_id, date) VALUES (?, ?)`,
		seriesID, date.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert excluded date: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) DeleteExcludedDatesBefore(ctx context.Context, seriesID int64, t time.Time) error {
	_, err := s.q().ExecContext(ctx,
		`DELETE FROM excluded_dates WHERE series_id = ? AND date < ?`,
		seriesID, t.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("delete excluded dates before: %w", err)
	}
	return nil
}

func (s *Store) DeleteExcludedDatesAfter(ctx context.Context, seriesID int64, t time.Time) error {
	_, err := s.q().ExecContext(ctx,
		`DELETE FROM excluded_dates WHERE series_id = ? AND date > ?`,
		seriesID, t.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("delete excluded dates after: %w", err)
	}
	return nil
}

func (s *Store) ReassignExcludedDates(ctx context.Context, fromID, toID int64, t time.Time) error {
	_, err := s.q().ExecContext(ctx,
		`UPDATE excluded_dates SET series_id = ? WHERE series_id = ? AND date >= ?`,
		toID, fromID, t.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("reassign excluded dates: %w", err)
	}
	return nil
}

// InTransaction executes fn inside a database transaction. Nested calls
// reuse the outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(storage.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Store{db: s.db, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSeries(row scanner) (*storage.Series, error) {
	var (
		rec            storage.Series
		start, end, lm string
	)
	err := row.Scan(&rec.ID, &rec.UID, &start, &end, &rec.RRule, &rec.Summary, &lm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan series: %w", err)
	}

	if rec.Start, err = time.Parse(timeLayout, start); err != nil {
		return nil, fmt.Errorf("parse start %q: %w", start, err)
	}
	if rec.End, err = time.Parse(timeLayout, end); err != nil {
		return nil, fmt.Errorf("parse end %q: %w", end, err)
	}
	if rec.LastModified, err = time.Parse(timeLayout, lm); err != nil {
		return nil, fmt.Errorf("parse last modified %q: %w", lm, err)
	}
	return &rec, nil
}
