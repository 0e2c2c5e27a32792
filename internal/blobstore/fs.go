package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a Store backed by a local directory. Objects are written to a
// temporary file and renamed into place so readers never see partial data.
type Dir struct {
	root    string
	baseURL string
}

// NewDir returns a Store rooted at root. baseURL is the public prefix the
// HTTP server serves root under.
func NewDir(root, baseURL string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Dir{root: root, baseURL: baseURL}, nil
}

func (d *Dir) resolve(objPath string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(objPath, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("object path escapes storage root: %q", objPath)
	}
	return filepath.Join(d.root, rel), nil
}

func (d *Dir) Put(ctx context.Context, objPath string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := d.resolve(objPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (d *Dir) List(ctx context.Context, prefix string) ([]Object, error) {
	dir, err := d.resolve(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Object{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read namespace dir: %w", err)
	}

	out := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		out = append(out, Object{Name: e.Name(), Size: info.Size(), UpdatedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Dir) URL(objPath string) string {
	return joinURL(d.baseURL, objPath)
}

var _ Store = (*Dir)(nil)
