package blobstore

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wesm/sheetvault/internal/credential"
)

// timestampLayout is the object-name prefix, second granularity, UTC.
const timestampLayout = "20060102_150405"

// Files stores and lists attachments per identity on top of a Store.
type Files struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewFiles wraps store.
func NewFiles(store Store) *Files {
	return &Files{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (f *Files) WithLogger(logger *slog.Logger) *Files {
	f.logger = logger
	return f
}

// WithClock sets the clock used for ingestion timestamps.
func (f *Files) WithClock(now func() time.Time) *Files {
	f.now = now
	return f
}

// ObjectPath returns the storage path for filename ingested at t.
func ObjectPath(identity, filename string, t time.Time) string {
	return Namespace(identity) + "/" + t.UTC().Format(timestampLayout) + "_" + CleanFilename(filename)
}

// Put writes one attachment. It is a single backend write; failures are
// returned as *StoreError and never retried here.
func (f *Files) Put(ctx context.Context, identity, filename string, data []byte) (StoredObject, error) {
	at := f.now().UTC().Truncate(time.Second)
	clean := CleanFilename(filename)
	objPath := ObjectPath(identity, clean, at)

	if err := f.store.Put(ctx, objPath, data, ContentType(clean)); err != nil {
		return StoredObject{}, asStoreError("put", objPath, err)
	}

	f.logger.Debug("stored attachment", "email", identity, "path", objPath, "size", len(data))
	return StoredObject{
		Owner:      credential.Canonical(identity),
		Filename:   clean,
		IngestedAt: at,
		Path:       objPath,
		URL:        f.store.URL(objPath),
		Size:       int64(len(data)),
	}, nil
}

// List returns identity's stored objects, newest first. A namespace that
// was never written yields an empty slice.
func (f *Files) List(ctx context.Context, identity string) ([]StoredObject, error) {
	ns := Namespace(identity)
	objs, err := f.store.List(ctx, ns)
	if err != nil {
		return nil, asStoreError("list", ns, err)
	}

	out := make([]StoredObject, 0, len(objs))
	for _, o := range objs {
		at, name := parseObjectName(o.Name)
		if at.IsZero() {
			at = o.UpdatedAt
		}
		objPath := ns + "/" + o.Name
		out = append(out, StoredObject{
			Owner:      credential.Canonical(identity),
			Filename:   name,
			IngestedAt: at,
			Path:       objPath,
			URL:        f.store.URL(objPath),
			Size:       o.Size,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// parseObjectName splits "<YYYYMMDD_HHMMSS>_<filename>". Names without the
// prefix are returned whole with a zero time.
func parseObjectName(name string) (time.Time, string) {
	if len(name) <= len(timestampLayout)+1 || name[len(timestampLayout)] != '_' {
		return time.Time{}, name
	}
	at, err := time.ParseInLocation(timestampLayout, name[:len(timestampLayout)], time.UTC)
	if err != nil {
		return time.Time{}, name
	}
	return at, name[len(timestampLayout)+1:]
}

func asStoreError(op, objPath string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Path: strings.TrimSuffix(objPath, "/"), Err: err}
}
