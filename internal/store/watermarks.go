package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/sheetvault/internal/credential"
)

// GetWatermark returns identity's high-water mark, or the zero time when
// nothing has been ingested yet.
func (s *Store) GetWatermark(ctx context.Context, identity string) (time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms,
		`SELECT mark_ms FROM watermarks WHERE identity = ?`, credential.Canonical(identity))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// AdvanceWatermark moves identity's mark forward to t. A t at or before the
// current mark is a no-op.
func (s *Store) AdvanceWatermark(ctx context.Context, identity string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (identity, mark_ms, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			mark_ms = excluded.mark_ms,
			updated_at = excluded.updated_at
		WHERE excluded.mark_ms > watermarks.mark_ms
	`, credential.Canonical(identity), t.UnixMilli(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
