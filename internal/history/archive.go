// Package history persists run and trial records to PostgreSQL, giving
// later cycles a durable archive and a source of known-bad parameter
// hashes.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/internal/pipeline"
)

// DB is the subset of pgxpool.Pool the archive needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunRecord summarizes one completed selection cycle.
type RunRecord struct {
	ID           uuid.UUID              `json:"id"`
	StartedAt    time.Time              `json:"started_at"`
	Segments     int                    `json:"segments"`
	Candidates   int                    `json:"candidates"`
	WinnerHash   string                 `json:"winner_hash,omitempty"`
	WinnerParams map[string]interface{} `json:"winner_params,omitempty"`
	Composite    float64                `json:"composite"`
	Improvement  float64                `json:"improvement"`
	DurationMS   int64                  `json:"duration_ms"`
}

// Archive stores runs and trials in PostgreSQL.
type Archive struct {
	db DB
}

// NewArchive creates an archive on an existing connection pool.
func NewArchive(db DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the archive tables if they do not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tuning_runs (
			id UUID PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			segments INT NOT NULL,
			candidates INT NOT NULL,
			winner_hash TEXT,
			winner_params JSONB,
			composite DOUBLE PRECISION,
			improvement DOUBLE PRECISION,
			duration_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tuning_trials (
			run_id UUID NOT NULL REFERENCES tuning_runs(id) ON DELETE CASCADE,
			segment INT NOT NULL,
			number INT NOT NULL,
			params_hash TEXT NOT NULL,
			params JSONB NOT NULL,
			score DOUBLE PRECISION,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			skipped BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT,
			duration_ms BIGINT NOT NULL,
			PRIMARY KEY (run_id, segment, number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tuning_trials_hash ON tuning_trials(params_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create archive schema: %w", err)
		}
	}
	return nil
}

// SaveRun persists a completed selection cycle and all of its trials.
func (a *Archive) SaveRun(ctx context.Context, startedAt time.Time, sel *pipeline.Selection) (uuid.UUID, error) {
	runID := uuid.New()

	var winnerHash string
	var winnerParamsJSON []byte
	var composite float64
	if sel.Winner != nil {
		winnerHash = sel.Winner.ParamsHash
		composite = sel.Winner.Composite
		var err error
		winnerParamsJSON, err = json.Marshal(sel.Winner.Params)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to marshal winner params: %w", err)
		}
	}

	query := `
		INSERT INTO tuning_runs (
			id, started_at, segments, candidates, winner_hash,
			winner_params, composite, improvement, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := a.db.Exec(ctx, query,
		runID, startedAt, len(sel.Searches), len(sel.Candidates), winnerHash,
		winnerParamsJSON, composite, sel.Improvement, sel.Duration.Milliseconds(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert run: %w", err)
	}

	for _, s := range sel.Searches {
		for _, t := range s.Trials {
			paramsJSON, err := json.Marshal(t.Params)
			if err != nil {
				return uuid.Nil, fmt.Errorf("failed to marshal trial params: %w", err)
			}
			_, err = a.db.Exec(ctx, `
				INSERT INTO tuning_trials (
					run_id, segment, number, params_hash, params,
					score, failed, skipped, error, duration_ms
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`,
				runID, s.Segment, t.Number, t.ParamsHash, paramsJSON,
				t.Score, t.Failed, t.Skipped, t.Error, t.Duration.Milliseconds(),
			)
			if err != nil {
				return uuid.Nil, fmt.Errorf("failed to insert trial: %w", err)
			}
		}
	}

	log.Info().
		Str("run_id", runID.String()).
		Int("segments", len(sel.Searches)).
		Str("winner_hash", winnerHash).
		Msg("Archived selection cycle")

	return runID, nil
}

// LoadBadHashes returns every parameter hash whose trials have only ever
// failed, for seeding the deduplication store.
func (a *Archive) LoadBadHashes(ctx context.Context) ([]string, error) {
	query := `
		SELECT params_hash FROM tuning_trials
		GROUP BY params_hash
		HAVING bool_and(failed)
	`
	rows, err := a.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bad hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// RecentRuns returns up to limit runs, newest first.
func (a *Archive) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, started_at, segments, candidates, winner_hash,
		       winner_params, composite, improvement, duration_ms
		FROM tuning_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := a.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var winnerParamsJSON []byte
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Segments, &r.Candidates,
			&r.WinnerHash, &winnerParamsJSON, &r.Composite, &r.Improvement, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if len(winnerParamsJSON) > 0 {
			if err := json.Unmarshal(winnerParamsJSON, &r.WinnerParams); err != nil {
				return nil, fmt.Errorf("failed to unmarshal winner params: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
