package item

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// IsEmpty reports whether v carries no information worth writing. Zero
// numbers and false are values, not absences.
func IsEmpty(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case time.Time:
		return typed.IsZero()
	case *time.Time:
		return typed == nil || typed.IsZero()
	case bool, int, int32, int64, float32, float64, json.Number:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsEmpty(rv.Elem().Interface())
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// Fields flattens the item into the field set written to the content
// repository. Empty values are omitted.
func (it Item) Fields() map[string]any {
	out := map[string]any{}
	put := func(key string, v any) {
		if !IsEmpty(v) {
			out[key] = v
		}
	}
	put("kind", string(it.Kind))
	put("title", it.DisplayTitle())
	put("source", it.Source)
	put("track", it.Track)
	put("artist", it.Artist)
	put("album", it.Album)
	put("show", it.Show)
	put("episode", it.Episode)
	put("season", derefInt(it.Season))
	put("episode_number", derefInt(it.EpisodeNumber))
	put("year", derefInt(it.Year))
	put("author", it.Author)
	put("highlights", it.Highlights)
	put("venue_name", it.VenueName)
	put("latitude", derefFloat(it.Latitude))
	put("longitude", derefFloat(it.Longitude))
	put("url", it.URL)
	put("tags", it.Tags)
	if !it.OccurredAt.IsZero() {
		out["occurred_at"] = it.OccurredAt.UTC().Format(time.RFC3339)
	}
	put("date", it.DateBucket())
	put("fingerprint", it.Fingerprint())
	if len(it.ExternalID) > 0 {
		ids := map[string]any{}
		for k, v := range it.ExternalID {
			if !IsEmpty(v) {
				ids[k] = v
			}
		}
		put("external_ids", ids)
	}
	return out
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func IntPtr(v int) *int {
	return &v
}

func FloatPtr(v float64) *float64 {
	return &v
}

// ParseTimestamp accepts unix seconds, unix milliseconds, numeric strings and
// RFC3339 strings. Unparseable input yields the zero time.
func ParseTimestamp(v any) time.Time {
	switch typed := v.(type) {
	case time.Time:
		return typed.UTC()
	case float64:
		return unixAuto(int64(typed))
	case int64:
		return unixAuto(typed)
	case int:
		return unixAuto(int64(typed))
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return unixAuto(n)
		}
	case string:
		raw := strings.TrimSpace(typed)
		if raw == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return unixAuto(n)
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

func unixAuto(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// ParseExternalIDs turns prefixed identifiers such as "imdb://tt0111161"
// into a scheme to id map. Entries without a scheme are ignored.
func ParseExternalIDs(values []string) map[string]string {
	out := map[string]string{}
	for _, raw := range values {
		scheme, id, ok := strings.Cut(strings.TrimSpace(raw), "://")
		if !ok || scheme == "" || id == "" {
			continue
		}
		scheme = strings.ToLower(scheme)
		if i := strings.LastIndex(scheme, "."); i >= 0 {
			// com.plexapp.agents.imdb://tt123?lang=en
			scheme = scheme[i+1:]
		}
		if q := strings.IndexByte(id, '?'); q >= 0 {
			id = id[:q]
		}
		out[scheme] = id
	}
	return out
}

// Path reads a gjson path from a raw JSON document.
func Path(raw []byte, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}

// OptionalInt returns nil when the result does not exist.
func OptionalInt(r gjson.Result) *int {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := int(r.Int())
	return &v
}

func OptionalFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

// TimeResult parses a gjson result holding either a number or a string.
func TimeResult(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return ParseTimestamp(r.Int())
	case gjson.String:
		return ParseTimestamp(r.String())
	default:
		return time.Time{}
	}
}

func StringsResult(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Describe is a short human label used in logs and error messages.
func (it Item) Describe() string {
	return fmt.Sprintf("%s %q", it.Kind, it.DisplayTitle())
}
