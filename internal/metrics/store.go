// Package metrics persists per-persona estimate accuracy to a local sqlite
// database, feeding the outer iteration loop's thrashing detector: a
// persona whose estimates keep growing after resurrection is evidence the
// plan itself is thrashing, not just one unlucky task.
package metrics

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/conductor-engine/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store records and aggregates estimate outcomes.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the sqlite database at dbPath and
// applies its schema. dbPath may be ":memory:" for an ephemeral store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("metrics: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("metrics: open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEstimate logs one task's final estimate-vs-actual outcome under the
// given persona (the scheduler passes the task's AssignedTo).
func (s *Store) RecordEstimate(ctx context.Context, persona string, task *models.Task) error {
	grew := 0
	if task.GrewDuringReestimation() {
		grew = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO estimate_outcomes (persona, task_id, original_complexity, actual_complexity, grew)
		 VALUES (?, ?, ?, ?, ?)`,
		persona, task.ID, string(task.Complexity), string(task.ActualComplexity), grew,
	)
	if err != nil {
		return fmt.Errorf("metrics: record estimate: %w", err)
	}
	return nil
}

// AccuracyCounts returns, across every persona, how many recorded estimates
// grew during resurrection (bad) versus didn't (accurate). The outer loop's
// thrashing detector reads the per-persona breakdown from
// PersonaAccuracyCounts instead.
func (s *Store) AccuracyCounts(ctx context.Context) (bad, accurate int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(grew), 0),
			COALESCE(SUM(1 - grew), 0)
		FROM estimate_outcomes`)
	if err := row.Scan(&bad, &accurate); err != nil {
		return 0, 0, fmt.Errorf("metrics: query accuracy counts: %w", err)
	}
	return bad, accurate, nil
}

// PersonaAccuracyCounts returns bad/accurate counts broken down by persona.
func (s *Store) PersonaAccuracyCounts(ctx context.Context) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT persona, COALESCE(SUM(grew), 0), COALESCE(SUM(1 - grew), 0)
		FROM estimate_outcomes
		GROUP BY persona`)
	if err != nil {
		return nil, fmt.Errorf("metrics: query persona accuracy counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string][2]int)
	for rows.Next() {
		var persona string
		var bad, accurate int
		if err := rows.Scan(&persona, &bad, &accurate); err != nil {
			return nil, fmt.Errorf("metrics: scan persona accuracy row: %w", err)
		}
		out[persona] = [2]int{bad, accurate}
	}
	return out, rows.Err()
}
