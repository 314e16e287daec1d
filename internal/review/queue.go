// Package review holds webhook items that were not posted automatically
// until someone approves or rejects them.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/ringbuf"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

const DefaultCapacity = 100

var (
	ErrNotFound     = errors.New("pending entry not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Entry struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Service    string    `json:"service"`
	Item       item.Item `json:"item"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Creator materializes an approved item.
type Creator interface {
	Create(ctx context.Context, it item.Item, postStatus string) (upsert.Result, error)
}

type Options struct {
	Capacity   int
	PostStatus string
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

// Queue is a bounded FIFO: once full, every enqueue evicts the oldest
// entry. Entries are addressed by an ID that never changes, so removing one
// never retargets a concurrent approve or reject.
type Queue struct {
	mu      sync.Mutex
	entries *ringbuf.Buffer[Entry]
	nextSeq uint64

	backend    Backend
	creator    Creator
	postStatus string
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewQueue(backend Backend, creator Creator, opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	q := &Queue{
		entries:    ringbuf.New[Entry](opts.Capacity),
		backend:    backend,
		creator:    creator,
		postStatus: opts.PostStatus,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	stored, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load pending entries: %w", err)
	}
	for _, e := range stored {
		q.entries.Push(e)
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}
	queueDepth.Set(float64(q.entries.Len()))
	return q, nil
}

func (q *Queue) Enqueue(it item.Item, service string) (Entry, error) {
	if err := it.Validate(); err != nil {
		return Entry{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e := Entry{
		ID:         uuid.NewString(),
		Seq:        q.nextSeq,
		Service:    service,
		Item:       it,
		ReceivedAt: q.now().UTC(),
	}
	q.nextSeq++
	old, evicted := q.entries.Push(e)
	if err := q.persistLocked(); err != nil {
		q.entries.Remove(func(p Entry) bool { return p.ID == e.ID })
		if evicted {
			q.insertLocked(old)
		}
		queueDepth.Set(float64(q.entries.Len()))
		return Entry{}, err
	}
	if evicted {
		q.logger.WithFields(logrus.Fields{
			"id":      old.ID,
			"service": old.Service,
		}).Warn("Review queue full, dropped oldest entry")
	}
	return e, nil
}

// List returns the pending entries oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Items()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries.Items() {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Approve takes the entry out of the queue and creates its record. If the
// create fails the entry is put back where it was.
func (q *Queue) Approve(ctx context.Context, id string) (upsert.Result, error) {
	if q.creator == nil {
		return upsert.Result{}, fmt.Errorf("%w: no creator configured", ErrInvalidInput)
	}
	e, err := q.take(id)
	if err != nil {
		return upsert.Result{}, err
	}
	result, err := q.creator.Create(ctx, e.Item, q.postStatus)
	if err != nil {
		if restoreErr := q.restore(e); restoreErr != nil {
			q.logger.WithError(restoreErr).WithField("id", e.ID).Error("Failed to restore pending entry")
		}
		return upsert.Result{}, err
	}
	q.logger.WithFields(logrus.Fields{
		"id":      e.ID,
		"service": e.Service,
		"outcome": result.Outcome,
	}).Info("Pending entry approved")
	return result, nil
}

func (q *Queue) Reject(id string) (Entry, error) {
	e, err := q.take(id)
	if err != nil {
		return Entry{}, err
	}
	q.logger.WithFields(logrus.Fields{
		"id":      e.ID,
		"service": e.Service,
	}).Info("Pending entry rejected")
	return e, nil
}

func (q *Queue) take(id string) (Entry, error) {
	id = strings.TrimSpace(id)
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries.Remove(func(e Entry) bool { return e.ID == id })
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := q.persistLocked(); err != nil {
		q.insertLocked(e)
		return Entry{}, err
	}
	return e, nil
}

func (q *Queue) restore(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(e)
	return q.persistLocked()
}

// insertLocked puts e back at its sequence position. When the queue filled
// up meanwhile, the oldest entry overall is the one dropped.
func (q *Queue) insertLocked(e Entry) {
	items := append(q.entries.Items(), e)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	q.entries.Reset()
	for _, e := range items {
		q.entries.Push(e)
	}
}

func (q *Queue) persistLocked() error {
	queueDepth.Set(float64(q.entries.Len()))
	return q.backend.Save(q.entries.Items())
}
