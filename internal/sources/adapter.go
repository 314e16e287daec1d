// Package sources contains the batch import adapters. Each adapter pages
// through one provider's history and turns raw provider records into items.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/activitysync/internal/item"
)

type SourceID string

const (
	SourceLastFM       SourceID = "lastfm"
	SourceListenBrainz SourceID = "listenbrainz"
	SourceFoursquare   SourceID = "foursquare"
	SourceTrakt        SourceID = "trakt"
	SourceReadwise     SourceID = "readwise"
	SourcePinboard     SourceID = "pinboard"
)

// Paging names the continuation idiom an adapter uses. The orchestrator
// treats all of them the same way; it only matters for batch sizing.
type Paging string

const (
	PagingTimeCursor Paging = "time-cursor"
	PagingPageCursor Paging = "page-cursor"
	PagingSnapshot   Paging = "snapshot"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrAuth          = errors.New("source authentication failed")
	ErrNetwork       = errors.New("source unreachable")
	ErrMalformed     = errors.New("malformed source response")
	ErrConfig        = errors.New("source not configured")
	ErrThrottled     = errors.New("lookup throttled")
)

type ErrorKind string

const (
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindConfig    ErrorKind = "config"
)

type AdapterError struct {
	Source SourceID
	Kind   ErrorKind
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	switch e.Kind {
	case ErrorKindAuth:
		return target == ErrAuth
	case ErrorKindNetwork:
		return target == ErrNetwork
	case ErrorKindMalformed:
		return target == ErrMalformed
	case ErrorKindConfig:
		return target == ErrConfig
	}
	return false
}

func newError(source SourceID, kind ErrorKind, format string, args ...any) *AdapterError {
	return &AdapterError{Source: source, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// BatchRequest asks for at most Limit records continuing from Cursor. Since
// and Until bound the history window; zero values leave that side open.
type BatchRequest struct {
	Cursor string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// RawRecord is one provider record kept as its original JSON.
type RawRecord = json.RawMessage

type Batch struct {
	Records    []RawRecord
	NextCursor string
	HasMore    bool
	// Total is the provider's estimate of the full history size, 0 if unknown.
	Total int
}

type Adapter interface {
	ID() SourceID
	Paging() Paging
	// MaxBatchSize is the largest page the provider serves; 0 means the
	// adapter returns its whole window in one call.
	MaxBatchSize() int
	// Check reports missing credentials or settings before a job is created.
	Check() error
	FetchBatch(ctx context.Context, req BatchRequest) (Batch, error)
	Normalize(rec RawRecord) (item.Item, error)
}

type SearchResult struct {
	Kind        item.Kind         `json:"kind"`
	Title       string            `json:"title"`
	Year        int               `json:"year,omitempty"`
	Score       float64           `json:"score,omitempty"`
	ExternalIDs map[string]string `json:"externalIds,omitempty"`
}

// Searcher is implemented by adapters that support interactive lookups.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Registry is the closed set of adapters available to this process.
type Registry struct {
	adapters map[SourceID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[SourceID]Adapter{}}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *Registry) Lookup(id string) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[SourceID(strings.ToLower(strings.TrimSpace(id)))]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
}

func (r *Registry) IDs() []SourceID {
	if r == nil {
		return nil
	}
	out := make([]SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
