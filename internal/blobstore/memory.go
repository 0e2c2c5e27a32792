package blobstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string

	// PutErr, when set, fails every Put.
	PutErr error
	// PutCalls counts Put attempts.
	PutCalls int
}

type memObject struct {
	data        []byte
	contentType string
	updated     time.Time
}

// NewMemory returns an empty store whose URLs start with baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]memObject), baseURL: baseURL}
}

func (m *Memory) Put(ctx context.Context, objPath string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.PutErr != nil {
		return m.PutErr
	}
	m.objects[objPath] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	out := []Object{}
	for p, o := range m.objects {
		name, ok := strings.CutPrefix(p, prefix)
		if !ok || strings.Contains(name, "/") {
			continue
		}
		out = append(out, Object{Name: name, Size: int64(len(o.data)), UpdatedAt: o.updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) URL(objPath string) string {
	return joinURL(m.baseURL, objPath)
}

// Get returns the bytes stored at objPath.
func (m *Memory) Get(objPath string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[objPath]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*Memory)(nil)
