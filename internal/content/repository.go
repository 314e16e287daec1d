// Package content holds the repository the pipeline writes activity records
// into, plus thin in-memory, directory and HTTP implementations of it.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/agentworkforce/activitysync/internal/item"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Fields map[string]any

// Lookup finds an existing record. When Fingerprint is set it is matched
// exactly; otherwise Title is compared case and whitespace insensitively.
// Date narrows either match to a single day when non-empty.
type Lookup struct {
	Kind        item.Kind
	Fingerprint string
	Title       string
	Date        string
}

type Repository interface {
	Create(ctx context.Context, kind item.Kind, fields Fields) (string, error)
	FindExisting(ctx context.Context, lookup Lookup) (string, bool, error)
	// Update writes only the fields whose value differs and reports how many
	// changed. Zero changes means nothing was written.
	Update(ctx context.Context, id string, fields Fields) (int, error)
}

type Record struct {
	ID        string    `json:"id"`
	Kind      item.Kind `json:"kind"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r Record) matches(lookup Lookup) bool {
	if r.Kind != lookup.Kind {
		return false
	}
	if lookup.Date != "" && stringField(r.Fields, "date") != lookup.Date {
		return false
	}
	if lookup.Fingerprint != "" {
		return stringField(r.Fields, "fingerprint") == lookup.Fingerprint
	}
	if lookup.Title != "" {
		return canonicalTitle(stringField(r.Fields, "title")) == canonicalTitle(lookup.Title)
	}
	return false
}

// applyDiff mutates current with every non-empty value in incoming that
// differs from what is stored.
func applyDiff(current, incoming Fields) int {
	changed := 0
	for key, value := range incoming {
		if item.IsEmpty(value) {
			continue
		}
		next := normalizeValue(value)
		if prev, ok := current[key]; ok && reflect.DeepEqual(normalizeValue(prev), next) {
			continue
		}
		current[key] = next
		changed++
	}
	return changed
}

// normalizeValue round-trips through JSON so values compare equal no matter
// whether they came from Go code or a decoded document.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func cloneFields(in Fields) Fields {
	out := make(Fields, len(in))
	for k, v := range in {
		if item.IsEmpty(v) {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func stringField(fields Fields, key string) string {
	s, _ := fields[key].(string)
	return s
}

func canonicalTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// BuildRepositoryFromDSN selects an implementation by scheme: memory://,
// file:///dir for a directory of JSON documents, http(s):// for a remote
// content API.
func BuildRepositoryFromDSN(dsn, token string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "", "file":
		dir := parsed.Path
		if parsed.Scheme == "" {
			dir = dsn
		} else if parsed.Host != "" {
			dir = parsed.Host + parsed.Path
		}
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("%w: empty directory in %q", ErrInvalidInput, dsn)
		}
		return OpenDirRepository(dir)
	case "http", "https":
		return NewHTTPRepository(dsn, token, nil), nil
	default:
		return nil, fmt.Errorf("unsupported content repository scheme: %s", parsed.Scheme)
	}
}
