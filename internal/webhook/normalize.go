package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/sources"
)

// Hook maps a generic webhook payload to items. Returning no items and no
// error falls back to a note holding the raw payload.
type Hook func(payload []byte) ([]item.Item, error)

// normalizer returns the items carried by a payload, or nil when the event
// is not one that marks finished activity.
type normalizer func(payload []byte, now time.Time) ([]item.Item, error)

func (g *Gateway) normalizerFor(service Service) normalizer {
	switch service {
	case ServicePlex:
		return normalizePlex
	case ServiceJellyfin:
		return normalizeJellyfin
	case ServiceTrakt:
		return normalizeTrakt
	case ServiceListenBrainz:
		return normalizeListenBrainz
	default:
		return g.normalizeGeneric
	}
}

func normalizePlex(payload []byte, now time.Time) ([]item.Item, error) {
	doc := gjson.ParseBytes(payload)
	if doc.Get("event").String() != "media.scrobble" {
		return nil, nil
	}
	meta := doc.Get("Metadata")
	occurred := item.TimeResult(meta.Get("lastViewedAt"))
	if occurred.IsZero() {
		occurred = now
	}
	ids := item.ParseExternalIDs(append(item.StringsResult(meta.Get("Guid.#.id")), meta.Get("guid").String()))

	it := item.Item{Source: string(ServicePlex), OccurredAt: occurred, Year: item.OptionalInt(meta.Get("year"))}
	switch meta.Get("type").String() {
	case "track":
		it.Kind = item.KindListen
		it.Track = meta.Get("title").String()
		it.Artist = meta.Get("grandparentTitle").String()
		it.Album = meta.Get("parentTitle").String()
	case "movie":
		it.Kind = item.KindWatch
		it.Title = meta.Get("title").String()
	case "episode":
		it.Kind = item.KindWatch
		it.Show = meta.Get("grandparentTitle").String()
		it.Episode = meta.Get("title").String()
		it.Title = it.Episode
		it.Season = item.OptionalInt(meta.Get("parentIndex"))
		it.EpisodeNumber = item.OptionalInt(meta.Get("index"))
	default:
		return nil, nil
	}
	if len(ids) > 0 {
		it.ExternalID = ids
	}
	return []item.Item{it}, it.Validate()
}

func normalizeJellyfin(payload []byte, now time.Time) ([]item.Item, error) {
	doc := gjson.ParseBytes(payload)
	if doc.Get("NotificationType").String() != "PlaybackStop" {
		return nil, nil
	}
	if !truthy(doc.Get("PlayedToCompletion")) {
		return nil, nil
	}
	occurred := item.TimeResult(doc.Get("UtcTimestamp"))
	if occurred.IsZero() {
		occurred = now
	}
	it := item.Item{Source: string(ServiceJellyfin), OccurredAt: occurred, Year: item.OptionalInt(doc.Get("Year"))}
	switch doc.Get("ItemType").String() {
	case "Movie":
		it.Kind = item.KindWatch
		it.Title = doc.Get("Name").String()
	case "Episode":
		it.Kind = item.KindWatch
		it.Show = doc.Get("SeriesName").String()
		it.Episode = doc.Get("Name").String()
		it.Title = it.Episode
		it.Season = item.OptionalInt(doc.Get("SeasonNumber"))
		it.EpisodeNumber = item.OptionalInt(doc.Get("EpisodeNumber"))
	case "Audio":
		it.Kind = item.KindListen
		it.Track = doc.Get("Name").String()
		it.Artist = doc.Get("Artist").String()
		it.Album = doc.Get("Album").String()
	default:
		return nil, nil
	}
	ids := map[string]string{}
	doc.ForEach(func(key, value gjson.Result) bool {
		if name, ok := strings.CutPrefix(key.String(), "Provider_"); ok && value.String() != "" {
			ids[strings.ToLower(name)] = value.String()
		}
		return true
	})
	if len(ids) > 0 {
		it.ExternalID = ids
	}
	return []item.Item{it}, it.Validate()
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.String:
		return strings.EqualFold(r.String(), "true")
	default:
		return false
	}
}

func normalizeTrakt(payload []byte, now time.Time) ([]item.Item, error) {
	doc := gjson.ParseBytes(payload)
	switch doc.Get("action").String() {
	case "scrobble", "watch":
	default:
		return nil, nil
	}
	watched := item.TimeResult(doc.Get("watched_at"))
	if watched.IsZero() {
		watched = now
	}
	it, err := sources.NormalizeTraktEntry(doc, string(ServiceTrakt), watched)
	if err != nil {
		return nil, err
	}
	return []item.Item{it}, nil
}

func normalizeListenBrainz(payload []byte, now time.Time) ([]item.Item, error) {
	doc := gjson.ParseBytes(payload)
	listenType := doc.Get("listen_type").String()
	switch listenType {
	case "single", "playing_now":
	default:
		return nil, nil
	}
	var out []item.Item
	for i, listen := range doc.Get("payload").Array() {
		it, err := sources.NormalizeListenBrainzListen(listen, string(ServiceListenBrainz))
		if listenType == "playing_now" || it.OccurredAt.IsZero() {
			it.OccurredAt = now
		}
		if err != nil {
			return nil, fmt.Errorf("listen %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (g *Gateway) normalizeGeneric(payload []byte, now time.Time) ([]item.Item, error) {
	if g.hook != nil {
		items, err := g.hook(payload)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			for i := range items {
				if items[i].Source == "" {
					items[i].Source = string(ServiceGeneric)
				}
				if items[i].OccurredAt.IsZero() {
					items[i].OccurredAt = now
				}
			}
			return items, nil
		}
	}
	title := gjson.GetBytes(payload, "title").String()
	if title == "" {
		title = "Webhook event " + now.UTC().Format(time.RFC3339)
	}
	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)
	return []item.Item{{
		Kind:       item.KindNote,
		Source:     string(ServiceGeneric),
		Title:      title,
		Body:       string(payload),
		OccurredAt: now,
		Raw:        raw,
	}}, nil
}
