package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists the whole queue on every change.
type Backend interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

type MemoryBackend struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...), nil
}

func (b *MemoryBackend) Save(entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append([]Entry(nil), entries...)
	return nil
}

type JSONFileBackend struct {
	path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() ([]Entry, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return entries, nil
}

func (b *JSONFileBackend) Save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// BuildBackend keeps entries in memory when path is empty and in a JSON file
// otherwise.
func BuildBackend(path string) Backend {
	if strings.TrimSpace(path) == "" {
		return NewMemoryBackend()
	}
	return NewJSONFileBackend(path)
}
