package item

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint returns the deterministic identity of the activity:
//
//	listen   track or episode title + day
//	watch    title (+ season/episode) + day
//	read     title
//	checkin  venue name + day
//	bookmark url
//	note     title
func (it Item) Fingerprint() string {
	var parts []string
	switch it.Kind {
	case KindListen:
		parts = []string{firstNonEmpty(it.Track, it.Episode, it.Title), it.DateBucket()}
	case KindWatch:
		title := it.Title
		if it.Season != nil && it.EpisodeNumber != nil {
			title = fmt.Sprintf("%s s%02de%02d", firstNonEmpty(it.Show, it.Title), *it.Season, *it.EpisodeNumber)
		}
		parts = []string{title, it.DateBucket()}
	case KindRead, KindNote:
		parts = []string{it.Title}
	case KindCheckin:
		parts = []string{it.VenueName, it.DateBucket()}
	case KindBookmark:
		parts = []string{normalizeURL(it.URL)}
	default:
		return ""
	}
	return hashParts(string(it.Kind), parts...)
}

func hashParts(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(canonical(p)))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func canonical(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeURL(raw string) string {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	lower := strings.ToLower(u)
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, prefix) {
			u = u[len(prefix):]
			break
		}
	}
	host, rest, _ := strings.Cut(u, "/")
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if rest == "" {
		return host
	}
	return host + "/" + rest
}
