// Package item defines the normalized activity record shared by batch imports
// and webhook ingestion, along with the identity rules used for deduplication.
package item

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidItem = errors.New("invalid item")

type Kind string

const (
	KindListen   Kind = "listen"
	KindWatch    Kind = "watch"
	KindRead     Kind = "read"
	KindCheckin  Kind = "checkin"
	KindBookmark Kind = "bookmark"
	KindNote     Kind = "note"
)

var kinds = []Kind{KindListen, KindWatch, KindRead, KindCheckin, KindBookmark, KindNote}

func ParseKind(raw string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range kinds {
		if k == candidate {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, raw)
}

// Dated reports whether fingerprints for this kind include a day bucket.
func (k Kind) Dated() bool {
	switch k {
	case KindListen, KindWatch, KindCheckin:
		return true
	default:
		return false
	}
}

// TitleFallback reports whether lookups may fall back to the synthesized
// display title when the fingerprint finds nothing.
func (k Kind) TitleFallback() bool {
	switch k {
	case KindListen, KindWatch, KindRead:
		return true
	default:
		return false
	}
}

type Item struct {
	Kind   Kind   `json:"kind"`
	Source string `json:"source,omitempty"`

	Title  string `json:"title,omitempty"`
	Track  string `json:"track,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`

	Show          string `json:"show,omitempty"`
	Episode       string `json:"episode,omitempty"`
	Season        *int   `json:"season,omitempty"`
	EpisodeNumber *int   `json:"episodeNumber,omitempty"`
	Year          *int   `json:"year,omitempty"`

	Author     string   `json:"author,omitempty"`
	Highlights []string `json:"highlights,omitempty"`

	VenueName string   `json:"venueName,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	URL  string   `json:"url,omitempty"`
	Tags []string `json:"tags,omitempty"`

	Body       string            `json:"body,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	ExternalID map[string]string `json:"externalIds,omitempty"`
	Raw        map[string]any    `json:"raw,omitempty"`
}

func (it Item) Validate() error {
	if _, err := ParseKind(string(it.Kind)); err != nil {
		return err
	}
	var missing string
	switch it.Kind {
	case KindListen:
		if IsEmpty(it.Track) && IsEmpty(it.Episode) {
			missing = "track"
		}
	case KindWatch, KindRead, KindNote:
		if IsEmpty(it.Title) {
			missing = "title"
		}
	case KindCheckin:
		if IsEmpty(it.VenueName) {
			missing = "venue name"
		}
	case KindBookmark:
		if IsEmpty(it.URL) {
			missing = "url"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidItem, it.Kind, missing)
	}
	return nil
}

// DisplayTitle is the title a record for this item is published under.
func (it Item) DisplayTitle() string {
	switch it.Kind {
	case KindListen:
		track := firstNonEmpty(it.Track, it.Episode, it.Title)
		if it.Artist != "" {
			return fmt.Sprintf("Listened to %s by %s", track, it.Artist)
		}
		return "Listened to " + track
	case KindWatch:
		if it.Show != "" && it.Season != nil && it.EpisodeNumber != nil {
			return fmt.Sprintf("Watched %s S%02dE%02d", it.Show, *it.Season, *it.EpisodeNumber)
		}
		return "Watched " + it.Title
	case KindRead:
		return "Read " + it.Title
	case KindCheckin:
		return "Checked in at " + it.VenueName
	case KindBookmark:
		return "Bookmarked " + firstNonEmpty(it.Title, it.URL)
	default:
		return it.Title
	}
}

// DateBucket returns the UTC calendar day of the activity, or "" for kinds
// that are not deduplicated per day.
func (it Item) DateBucket() string {
	if !it.Kind.Dated() || it.OccurredAt.IsZero() {
		return ""
	}
	return it.OccurredAt.UTC().Format("2006-01-02")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
