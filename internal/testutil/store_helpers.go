package testutil

import (
	"path/filepath"
	"testing"

	"github.com/wesm/sheetvault/internal/store"
)

// NewTestStore opens a sheetvault database in t.TempDir with the
// credentials, watermarks, ingested_objects and sync_runs tables created.
// It is closed when the test ends.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sheetvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}
