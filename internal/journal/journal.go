// Package journal keeps a history of capture and re-blend runs in SQLite.
// The schema is managed with embedded golang-migrate migrations.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Run kinds.
const (
	KindCapture = "capture"
	KindReblend = "reblend"
)

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Entry is one journaled run.
type Entry struct {
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Kind      string    `json:"kind"`
	GridX     int       `json:"grid_x"`
	GridY     int       `json:"grid_y"`
	Magnitude string    `json:"magnitude,omitempty"`
	Corner    string    `json:"corner,omitempty"`
	Mode      string    `json:"mode"`
	Tiles     int       `json:"tiles"`
	WidthPx   int       `json:"width_px"`
	HeightPx  int       `json:"height_px"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Output    string    `json:"output,omitempty"`
}

// Journal is the run history store.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	debug.Verbose("Journal: %s ready", path)
	return &Journal{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load journal migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration up failed: %w", err)
	}
	return nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a finished run.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_ms, finished_ms, kind, grid_x, grid_y, magnitude, corner,
			mode, tiles, width_px, height_px, status, error, output_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Started.UnixMilli(), e.Finished.UnixMilli(), e.Kind, e.GridX, e.GridY,
		nullString(e.Magnitude), nullString(e.Corner), e.Mode, e.Tiles, e.WidthPx, e.HeightPx,
		e.Status, nullString(e.Error), nullString(e.Output))
	if err != nil {
		return fmt.Errorf("record run %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, started_ms, finished_ms, kind, grid_x, grid_y, magnitude, corner,
			mode, tiles, width_px, height_px, status, error, output_path
		FROM runs ORDER BY started_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			started, finished     int64
			mag, corner, msg, dst sql.NullString
		)
		if err := rows.Scan(&e.ID, &started, &finished, &e.Kind, &e.GridX, &e.GridY, &mag, &corner,
			&e.Mode, &e.Tiles, &e.WidthPx, &e.HeightPx, &e.Status, &msg, &dst); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Started = time.UnixMilli(started)
		e.Finished = time.UnixMilli(finished)
		e.Magnitude, e.Corner, e.Error, e.Output = mag.String, corner.String, msg.String, dst.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
