package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Registry remembers the multipart upload IDs of unfinished uploads, so a later run
// for the same destination and source size can resume instead of starting over.
type Registry interface {
	Lookup(key string, size int64) (string, bool, error)
	Store(key string, size int64, uploadID string) error
	Remove(key string, size int64) error
}

func registryKey(key string, size int64) string {
	return key + "#" + strconv.FormatInt(size, 10)
}

// MemoryRegistry is a Registry that lives as long as the process.
type MemoryRegistry struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: map[string]string{}}
}

func (r *MemoryRegistry) Lookup(key string, size int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[registryKey(key, size)]
	return id, ok, nil
}

func (r *MemoryRegistry) Store(key string, size int64, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[registryKey(key, size)] = uploadID
	return nil
}

func (r *MemoryRegistry) Remove(key string, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, registryKey(key, size))
	return nil
}

// FileRegistry is a Registry persisted as a JSON document, so uploads survive a
// restart of the process.
type FileRegistry struct {
	mu   sync.Mutex
	path string
}

// NewFileRegistry creates a FileRegistry backed by the file at path. The file is
// created on the first Store.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (r *FileRegistry) Lookup(key string, size int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.load()
	if err != nil {
		return "", false, err
	}
	id, ok := ids[registryKey(key, size)]
	return id, ok, nil
}

func (r *FileRegistry) Store(key string, size int64, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.load()
	if err != nil {
		return err
	}
	ids[registryKey(key, size)] = uploadID
	return r.save(ids)
}

func (r *FileRegistry) Remove(key string, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.load()
	if err != nil {
		return err
	}
	k := registryKey(key, size)
	if _, ok := ids[k]; !ok {
		return nil
	}
	delete(ids, k)
	return r.save(ids)
}

func (r *FileRegistry) load() (map[string]string, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	ids := map[string]string{}
	if len(data) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	return ids, nil
}

func (r *FileRegistry) save(ids map[string]string) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
