// Package store persists run snapshots and keeps an index of all runs below
// an output directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iota-xfel/iota/internal/model"
)

var ErrNotFound = errors.New("not found")

// IndexFile is the name of the index database inside the output directory.
const IndexFile = "iota.db"

type Run struct {
	UUID      string
	Dir       string
	Number    int
	State     model.RunState
	Items     int
	Harvested int
	Succeeded int
	Warning   string
	Started   time.Time
	Updated   time.Time
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	// coordinators of different runs may share the index
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			dir TEXT NOT NULL UNIQUE,
			number INTEGER NOT NULL,
			state TEXT NOT NULL,
			items INTEGER NOT NULL DEFAULT 0,
			harvested INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			warning TEXT NOT NULL DEFAULT '',
			started INTEGER NOT NULL,
			updated INTEGER NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Record inserts or updates the row of a run identified by its UUID.
func Record(ctx context.Context, db *sql.DB, r Run) error {
	if r.Updated.IsZero() {
		r.Updated = time.Now().UTC()
	}
	if r.Started.IsZero() {
		r.Started = r.Updated
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (uuid, dir, number, state, items, harvested, succeeded, warning, started, updated)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(uuid) DO UPDATE SET
			state = excluded.state,
			items = excluded.items,
			harvested = excluded.harvested,
			succeeded = excluded.succeeded,
			warning = excluded.warning,
			updated = excluded.updated;`,
		r.UUID, r.Dir, r.Number, string(r.State), r.Items, r.Harvested, r.Succeeded, r.Warning,
		r.Started.UnixMilli(), r.Updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// Get returns the run identified by 'uuid' or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT uuid, dir, number, state, items, harvested, succeeded, warning, started, updated
		 FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns all runs ordered by run number.
func List(ctx context.Context, db *sql.DB) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT uuid, dir, number, state, items, harvested, succeeded, warning, started, updated
		 FROM runs ORDER BY number, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.ErrorContext(ctx, "closing rows failed", "error", err)
		}
	}()

	var out []Run
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM runs WHERE uuid=?`, uuid)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Run, error) {
	var r Run
	var state string
	var started, updated int64
	err := s.Scan(&r.UUID, &r.Dir, &r.Number, &state, &r.Items, &r.Harvested, &r.Succeeded, &r.Warning, &started, &updated)
	if err != nil {
		return Run{}, err
	}
	r.State = model.RunState(state)
	r.Started = time.UnixMilli(started).UTC()
	r.Updated = time.UnixMilli(updated).UTC()
	return r, nil
}
