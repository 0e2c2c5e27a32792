package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/sheetvault/internal/credential"
)

// IngestedObject is one stored attachment in the de-duplication index.
type IngestedObject struct {
	ID         int64     `db:"id"`
	Identity   string    `db:"identity"`
	MessageID  string    `db:"message_id"`
	PartID     string    `db:"part_id"`
	Filename   string    `db:"filename"`
	SHA256     string    `db:"sha256"`
	Path       string    `db:"path"`
	Size       int64     `db:"size"`
	IngestedAt time.Time `db:"ingested_at"`
}

// RecordIngested adds obj to the index.
func (s *Store) RecordIngested(ctx context.Context, obj IngestedObject) error {
	obj.Identity = credential.Canonical(obj.Identity)
	if obj.IngestedAt.IsZero() {
		obj.IngestedAt = s.now()
	}
	obj.IngestedAt = obj.IngestedAt.UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ingested_objects
			(identity, message_id, part_id, filename, sha256, path, size, ingested_at)
		VALUES
			(:identity, :message_id, :part_id, :filename, :sha256, :path, :size, :ingested_at)
	`, obj)
	if err != nil {
		return fmt.Errorf("record ingested object: %w", err)
	}
	return nil
}

// HasContent reports whether bytes with this SHA-256 were already stored
// for identity.
func (s *Store) HasContent(ctx context.Context, identity, sha256 string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM ingested_objects WHERE identity = ? AND sha256 = ?
	`, credential.Canonical(identity), sha256)
	if err != nil {
		return false, fmt.Errorf("lookup content hash: %w", err)
	}
	return n > 0, nil
}

// HasMessagePart reports whether this message part was already stored for
// identity.
func (s *Store) HasMessagePart(ctx context.Context, identity, messageID, partID, filename string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM ingested_objects
		WHERE identity = ? AND message_id = ? AND part_id = ? AND filename = ?
	`, credential.Canonical(identity), messageID, partID, filename)
	if err != nil {
		return false, fmt.Errorf("lookup message part: %w", err)
	}
	return n > 0, nil
}

// ListIngested returns identity's index entries, newest first.
func (s *Store) ListIngested(ctx context.Context, identity string, limit int) ([]IngestedObject, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []IngestedObject
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, identity, message_id, part_id, filename, sha256, path, size, ingested_at
		FROM ingested_objects
		WHERE identity = ?
		ORDER BY ingested_at DESC, id DESC
		LIMIT ?
	`, credential.Canonical(identity), limit)
	if err != nil {
		return nil, fmt.Errorf("list ingested objects: %w", err)
	}
	for i := range out {
		out[i].IngestedAt = out[i].IngestedAt.UTC()
	}
	return out, nil
}
