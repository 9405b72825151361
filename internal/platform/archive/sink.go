// Package archive stores exported records as immutable JSON objects in S3,
// a local directory or memory.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound = errors.New("archive object not found")
	ErrInvalidKey     = errors.New("archive key is invalid")
)

// Object describes a stored export.
type Object struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Hash     string    `json:"hash"`
	StoredAt time.Time `json:"stored_at"`
}

// Sink writes export objects. Put overwrites an existing key, so re-running
// an interrupted export is safe.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) (Object, error)
	Name() string
}

func describe(key string, body []byte) Object {
	return Object{
		Key:      key,
		Size:     int64(len(body)),
		Hash:     fmt.Sprintf("%x", sha256.Sum256(body)),
		StoredAt: time.Now().UTC(),
	}
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// MemorySink keeps objects in memory for tests and development.
type MemorySink struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	meta Object
	body []byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string]memObject)}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Put(_ context.Context, key string, body []byte) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	obj := describe(key, body)
	m.mu.Lock()
	m.objects[key] = memObject{meta: obj, body: bytes.Clone(body)}
	m.mu.Unlock()
	return obj, nil
}

// Get returns the stored body for key.
func (m *MemorySink) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return bytes.Clone(obj.body), nil
}

// Keys returns every stored key in order.
func (m *MemorySink) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DirSink writes each object to root/key. Writes go through a temp file and
// a rename so a reader never sees a partial object.
type DirSink struct {
	root string
}

func NewDirSink(root string) (*DirSink, error) {
	if root == "" {
		return nil, errors.New("archive dir required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirSink{root: root}, nil
}

func (d *DirSink) Name() string { return "dir" }

func (d *DirSink) Put(ctx context.Context, key string, body []byte) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Object{}, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bytes.NewReader(body)); err != nil {
		_ = tmp.Close()
		return Object{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Object{}, fmt.Errorf("rename %s: %w", key, err)
	}
	return describe(key, body), nil
}
