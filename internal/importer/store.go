package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JobStore persists import jobs between batch steps.
//
// Save never touches the lease columns and fails with ErrStaleWrite when the
// stored job already reached a different terminal status. AcquireLease is a
// compare-and-swap on LockedUntil: it succeeds only if the current lease has
// expired at now.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context) ([]*Job, error)
	AcquireLease(ctx context.Context, id, owner string, until, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	// persist receives a snapshot after every mutation while mu is held.
	persist func(map[string]*Job) error
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]*Job{}}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", ErrInvalidInput, job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return s.flushLocked()
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

func (s *MemoryJobStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	if current.Status.Terminal() && current.Status != job.Status {
		return fmt.Errorf("%w: %s is already %s", ErrStaleWrite, job.ID, current.Status)
	}
	next := job.clone()
	next.LockedUntil = current.LockedUntil
	next.LockOwner = current.LockOwner
	s.jobs[job.ID] = next
	return s.flushLocked()
}

func (s *MemoryJobStore) List(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) AcquireLease(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.LockedUntil != nil && job.LockedUntil.After(now) {
		return false, nil
	}
	job.LockedUntil = &until
	job.LockOwner = owner
	return true, s.flushLocked()
}

func (s *MemoryJobStore) ReleaseLease(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.LockOwner != owner {
		return nil
	}
	job.LockedUntil = nil
	job.LockOwner = ""
	return s.flushLocked()
}

func (s *MemoryJobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.flushLocked()
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) flushLocked() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.jobs)
}

// JSONFileJobStore keeps every job in one JSON document rewritten with a
// tmp-and-rename on each mutation.
type JSONFileJobStore struct {
	*MemoryJobStore
	Path string
}

type jobFileSnapshot struct {
	Jobs []*Job `json:"jobs"`
}

func NewJSONFileJobStore(path string) (*JSONFileJobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	mem := NewMemoryJobStore()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var snapshot jobFileSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		for _, job := range snapshot.Jobs {
			if job != nil && job.ID != "" {
				mem.jobs[job.ID] = job
			}
		}
	}
	store := &JSONFileJobStore{MemoryJobStore: mem, Path: path}
	mem.persist = store.write
	return store, nil
}

func (s *JSONFileJobStore) write(jobs map[string]*Job) error {
	snapshot := jobFileSnapshot{Jobs: make([]*Job, 0, len(jobs))}
	for _, job := range jobs {
		snapshot.Jobs = append(snapshot.Jobs, job)
	}
	sort.Slice(snapshot.Jobs, func(i, j int) bool { return snapshot.Jobs[i].ID < snapshot.Jobs[j].ID })
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
