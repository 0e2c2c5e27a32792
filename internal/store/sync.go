package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/wesm/sheetvault/internal/credential"
)

// Sync run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SyncRun is one identity's part of a sweep.
type SyncRun struct {
	ID              int64          `db:"id" json:"id"`
	SweepID         string         `db:"sweep_id" json:"sweep_id"`
	Identity        string         `db:"identity" json:"email"`
	StartedAt       time.Time      `db:"started_at" json:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at" json:"-"`
	Status          string         `db:"status" json:"status"`
	MessagesSeen    int64          `db:"messages_seen" json:"messages_seen"`
	Stored          int64          `db:"stored" json:"stored"`
	Skipped         int64          `db:"skipped" json:"skipped"`
	Failed          int64          `db:"failed" json:"failed"`
	ErrorMessage    sql.NullString `db:"error_message" json:"-"`
	WatermarkBefore int64          `db:"watermark_before" json:"watermark_before_ms"`
	WatermarkAfter  int64          `db:"watermark_after" json:"watermark_after_ms"`
}

// RunCounts are the counters recorded when a run completes.
type RunCounts struct {
	MessagesSeen int
	Stored       int
	Skipped      int
	Failed       int
}

const syncRunColumns = `id, sweep_id, identity, started_at, completed_at, status,
	messages_seen, stored, skipped, failed, error_message,
	watermark_before, watermark_after`

// StartRun records the start of identity's sync within a sweep. Runs left
// in the running state by a crashed process are marked failed first.
func (s *Store) StartRun(ctx context.Context, sweepID, identity string, watermark time.Time) (int64, error) {
	id := credential.Canonical(identity)
	now := s.now().UTC()
	var runID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_runs
			SET status = 'failed',
			    error_message = 'superseded by new sync',
			    completed_at = ?
			WHERE identity = ? AND status = 'running'
		`, now, id); err != nil {
			return fmt.Errorf("mark old runs failed: %w", err)
		}

		var mark int64
		if !watermark.IsZero() {
			mark = watermark.UnixMilli()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_runs (sweep_id, identity, started_at, status, watermark_before, watermark_after)
			VALUES (?, ?, ?, 'running', ?, ?)
		`, sweepID, id, now, mark, mark)
		if err != nil {
			return fmt.Errorf("insert sync_run: %w", err)
		}
		runID, err = res.LastInsertId()
		return err
	})
	return runID, err
}

// CompleteRun marks a run completed with its counters and the watermark
// after the run.
func (s *Store) CompleteRun(ctx context.Context, runID int64, counts RunCounts, watermark time.Time) error {
	var mark int64
	if !watermark.IsZero() {
		mark = watermark.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'completed',
		    completed_at = ?,
		    messages_seen = ?,
		    stored = ?,
		    skipped = ?,
		    failed = ?,
		    watermark_after = MAX(watermark_after, ?)
		WHERE id = ?
	`, s.now().UTC(), counts.MessagesSeen, counts.Stored, counts.Skipped, counts.Failed, mark, runID)
	if err != nil {
		return fmt.Errorf("complete sync_run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with an error message.
func (s *Store) FailRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed',
		    completed_at = ?,
		    error_message = ?
		WHERE id = ?
	`, s.now().UTC(), errMsg, runID)
	if err != nil {
		return fmt.Errorf("fail sync_run: %w", err)
	}
	return nil
}

// LastRun returns identity's most recent run, or nil.
func (s *Store) LastRun(ctx context.Context, identity string) (*SyncRun, error) {
	var run SyncRun
	err := s.db.GetContext(ctx, &run, `
		SELECT `+syncRunColumns+`
		FROM sync_runs
		WHERE identity = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, credential.Canonical(identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last sync_run: %w", err)
	}
	return &run, nil
}

// RecentRuns returns the latest runs across all identities.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []SyncRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT `+syncRunColumns+`
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync_runs: %w", err)
	}
	return runs, nil
}
