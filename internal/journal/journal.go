// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package journal keeps a local history of runs in a SQLite database, one
// row per run. It is opt-in and purely observational: journal failures are
// reported but never change a run's outcome.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	started_at    TIMESTAMP NOT NULL,
	finished_at   TIMESTAMP NOT NULL,
	architecture  TEXT NOT NULL,
	kernel        TEXT NOT NULL,
	verdict       TEXT NOT NULL,
	degraded      INTEGER NOT NULL,
	boot_seconds  REAL NOT NULL,
	test_seconds  REAL NOT NULL
);
`

// Record is one journaled run.
type Record struct {
	// ID is assigned on insert.
	ID string
	// StartedAt and FinishedAt bound the whole run.
	StartedAt  time.Time
	FinishedAt time.Time
	// Architecture and Kernel identify what was booted.
	Architecture string
	Kernel       string
	// Verdict is the final run verdict name.
	Verdict string
	// Degraded mirrors the degraded-environment flag.
	Degraded bool
	// BootDuration and TestDuration are the phase wall clocks.
	BootDuration time.Duration
	TestDuration time.Duration
}

// Journal is an open run journal.
type Journal struct {
	db *sql.DB
}

// Open opens the journal at path, creating file and schema as needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append inserts a run record and returns its assigned id.
func (j *Journal) Append(record Record) (string, error) {
	id := uuid.NewString()

	_, err := j.db.Exec(`
		INSERT INTO runs (id, started_at, finished_at, architecture,
			kernel, verdict, degraded, boot_seconds, test_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		record.StartedAt,
		record.FinishedAt,
		record.Architecture,
		record.Kernel,
		record.Verdict,
		record.Degraded,
		record.BootDuration.Seconds(),
		record.TestDuration.Seconds(),
	)
	if err != nil {
		return "", fmt.Errorf("journal insert: %w", err)
	}

	return id, nil
}

// Recent returns the most recent runs, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	rows, err := j.db.Query(`
		SELECT id, started_at, finished_at, architecture, kernel,
			verdict, degraded, boot_seconds, test_seconds
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var (
			r        Record
			bootSecs float64
			testSecs float64
		)

		err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt,
			&r.Architecture, &r.Kernel, &r.Verdict, &r.Degraded,
			&bootSecs, &testSecs)
		if err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}

		r.BootDuration = time.Duration(bootSecs * float64(time.Second))
		r.TestDuration = time.Duration(testSecs * float64(time.Second))

		records = append(records, r)
	}

	return records, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
