package content

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/activitysync/internal/item"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
	// persist is called with the record after every write while mu is held.
	persist func(Record) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: map[string]*Record{},
		now:     time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, kind item.Kind, fields Fields) (string, error) {
	if _, err := item.ParseKind(string(kind)); err != nil {
		return "", err
	}
	now := r.now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Fields:    cloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persist != nil {
		if err := r.persist(*rec); err != nil {
			return "", err
		}
	}
	r.records[rec.ID] = rec
	return rec.ID, nil
}

func (r *MemoryRepository) FindExisting(ctx context.Context, lookup Lookup) (string, bool, error) {
	if lookup.Fingerprint == "" && lookup.Title == "" {
		return "", false, fmt.Errorf("%w: lookup needs a fingerprint or title", ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest *Record
	for _, rec := range r.records {
		if !rec.matches(lookup) {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return "", false, nil
	}
	return oldest.ID, true, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, fields Fields) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cloneFields(rec.Fields)
	changed := applyDiff(next, fields)
	if changed == 0 {
		return 0, nil
	}
	updated := *rec
	updated.Fields = next
	updated.UpdatedAt = r.now().UTC()
	if r.persist != nil {
		if err := r.persist(updated); err != nil {
			return 0, err
		}
	}
	r.records[id] = &updated
	return changed, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *rec
	out.Fields = cloneFields(rec.Fields)
	return out, nil
}

// List returns records oldest first.
func (r *MemoryRepository) List(ctx context.Context) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		cp.Fields = cloneFields(rec.Fields)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
