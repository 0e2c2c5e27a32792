// Package blobstore persists ingested attachments under per-identity
// namespaces in an object store.
package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Object is an entry returned by a backend listing. Name is relative to the
// listed prefix.
type Object struct {
	Name      string
	Size      int64
	UpdatedAt time.Time
}

// Store is a flat object store addressed by slash-separated paths.
type Store interface {
	// Put writes data at objPath in a single request, replacing any
	// existing object.
	Put(ctx context.Context, objPath string, data []byte, contentType string) error

	// List returns the objects directly under prefix. A prefix that was
	// never written returns an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]Object, error)

	// URL returns the public read URL for objPath.
	URL(objPath string) string
}

// StoredObject is one ingested attachment as seen by the dashboard.
type StoredObject struct {
	Owner      string    `json:"owner"`
	Filename   string    `json:"name"`
	IngestedAt time.Time `json:"ingested_at"`
	Path       string    `json:"path"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
}

// StoreError is a failed backend write or listing.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PublicURL joins a public base URL, bucket and object path, escaping each
// path segment.
func PublicURL(base, bucket, objPath string) string {
	return joinURL(base, path.Join(bucket, objPath))
}

func joinURL(base, objPath string) string {
	return strings.TrimRight(base, "/") + "/" + escapePath(strings.TrimPrefix(objPath, "/"))
}

// escapePath escapes each segment of an object path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// ContentType guesses a spreadsheet content type from the filename.
func ContentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
