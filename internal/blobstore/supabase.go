package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	storage "github.com/supabase-community/storage-go"
)

const (
	supabaseListPage = 100
	supabaseTimeout  = 30 * time.Second
)

// SupabaseConfig configures a Supabase Storage backend.
type SupabaseConfig struct {
	URL           string // project URL, e.g. https://xyz.supabase.co
	Key           string // service role or anon key
	Bucket        string
	PublicBaseURL string // defaults to <URL>/storage/v1/object/public
	Timeout       time.Duration
}

// Supabase is a Store backed by Supabase Storage.
type Supabase struct {
	client     *storage.Client
	bucket     string
	publicBase string
	timeout    time.Duration
}

// NewSupabase validates cfg and returns the backend.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("supabase bucket is required")
	}
	base := strings.TrimRight(cfg.URL, "/")
	public := cfg.PublicBaseURL
	if public == "" {
		public = base + "/storage/v1/object/public"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = supabaseTimeout
	}
	return &Supabase{
		client:     storage.NewClient(base+"/storage/v1", cfg.Key, map[string]string{"apikey": cfg.Key}),
		bucket:     cfg.Bucket,
		publicBase: public,
		timeout:    timeout,
	}, nil
}

// withTimeout runs fn until it returns or ctx (bounded by the backend
// timeout) ends. storage-go requests take no context, so a request
// abandoned here completes in the background.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Supabase) Put(ctx context.Context, objPath string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	upsert := true
	opts := storage.FileOptions{Upsert: &upsert}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	resp, err := withTimeout(ctx, s.timeout, func() (storage.FileUploadResponse, error) {
		return s.client.UploadFile(s.bucket, escapePath(objPath), bytes.NewReader(data), opts)
	})
	if err != nil {
		return fmt.Errorf("supabase upload: %w", err)
	}
	if resp.Key == "" {
		return errors.New("supabase upload: no object key in response")
	}
	return nil
}

func (s *Supabase) List(ctx context.Context, prefix string) ([]Object, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	out := []Object{}
	for offset := 0; ; offset += supabaseListPage {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opts := storage.FileSearchOptions{
			Limit:         supabaseListPage,
			Offset:        offset,
			SortByOptions: storage.SortBy{Column: "name", Order: "asc"},
		}
		entries, err := withTimeout(ctx, s.timeout, func() ([]storage.FileObject, error) {
			return s.client.ListFiles(s.bucket, prefix, opts)
		})
		if err != nil {
			return nil, fmt.Errorf("supabase list: %w", err)
		}
		for _, e := range entries {
			// Folders come back without an id.
			if e.Id == "" || e.Name == "" || e.Name == ".emptyFolderPlaceholder" {
				continue
			}
			o := Object{Name: e.Name}
			if t, err := time.Parse(time.RFC3339, e.UpdatedAt); err == nil {
				o.UpdatedAt = t.UTC()
			}
			if md, ok := e.Metadata.(map[string]interface{}); ok {
				if size, ok := md["size"].(float64); ok {
					o.Size = int64(size)
				}
			}
			out = append(out, o)
		}
		if len(entries) < supabaseListPage {
			return out, nil
		}
	}
}

func (s *Supabase) URL(objPath string) string {
	return PublicURL(s.publicBase, s.bucket, objPath)
}

var _ Store = (*Supabase)(nil)
