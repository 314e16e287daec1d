package sources

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agentworkforce/activitysync/internal/item"
)

type ListenBrainzConfig struct {
	User       string
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// ListenBrainz pages listens with (count, max_ts, min_ts).
type ListenBrainz struct {
	cfg   ListenBrainzConfig
	fetch fetcher
}

func NewListenBrainz(cfg ListenBrainzConfig) *ListenBrainz {
	headers := map[string]string{}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		headers["Authorization"] = "Token " + token
	}
	return &ListenBrainz{
		cfg:   cfg,
		fetch: newFetcher(SourceListenBrainz, cfg.BaseURL, "https://api.listenbrainz.org", cfg.HTTPClient, headers),
	}
}

func (*ListenBrainz) ID() SourceID      { return SourceListenBrainz }
func (*ListenBrainz) Paging() Paging    { return PagingTimeCursor }
func (*ListenBrainz) MaxBatchSize() int { return 1000 }

func (s *ListenBrainz) Check() error {
	if strings.TrimSpace(s.cfg.User) == "" {
		return newError(SourceListenBrainz, ErrorKindConfig, "user is required")
	}
	return nil
}

func (s *ListenBrainz) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	cursor, err := timeCursor(req.Cursor, req.Until)
	if err != nil {
		return Batch{}, newError(SourceListenBrainz, ErrorKindMalformed, "bad cursor %q", req.Cursor)
	}
	q := url.Values{}
	q.Set("count", strconv.Itoa(cursor.fetchSize(req.Limit, s.MaxBatchSize())))
	if cursor.at > 0 {
		q.Set("max_ts", strconv.FormatInt(cursor.at+1, 10))
	}
	if !req.Since.IsZero() {
		q.Set("min_ts", strconv.FormatInt(req.Since.Unix(), 10))
	}
	resp, err := s.fetch.get(ctx, "/1/user/"+url.PathEscape(s.cfg.User)+"/listens", q)
	if err != nil {
		return Batch{}, err
	}
	listens := gjson.GetBytes(resp.Body, "payload.listens")
	if !listens.IsArray() {
		return Batch{}, newError(SourceListenBrainz, ErrorKindMalformed, "missing payload.listens")
	}
	list := listens.Array()
	records := make([]timedRecord, 0, len(list))
	for _, l := range list {
		records = append(records, timedRecord{raw: RawRecord(l.Raw), at: l.Get("listened_at").Int()})
	}
	batch := finishTimePage(records, len(list), req.Limit, req.Since, cursor)
	batch.Total = int(gjson.GetBytes(resp.Body, "payload.total_listen_count").Int())
	return batch, nil
}

func (s *ListenBrainz) Normalize(rec RawRecord) (item.Item, error) {
	return NormalizeListenBrainzListen(gjson.ParseBytes(rec), string(SourceListenBrainz))
}

// NormalizeListenBrainzListen maps one listen object. The same shape is
// pushed by ListenBrainz-compatible scrobblers, so webhook ingestion reuses it.
func NormalizeListenBrainzListen(l gjson.Result, source string) (item.Item, error) {
	meta := l.Get("track_metadata")
	it := item.Item{
		Kind:       item.KindListen,
		Source:     source,
		Track:      meta.Get("track_name").String(),
		Artist:     meta.Get("artist_name").String(),
		Album:      meta.Get("release_name").String(),
		OccurredAt: item.TimeResult(l.Get("listened_at")),
	}
	ids := map[string]string{}
	info := meta.Get("additional_info")
	for key, name := range map[string]string{
		"recording_mbid": "musicbrainz",
		"release_mbid":   "musicbrainz_release",
		"spotify_id":     "spotify",
		"isrc":           "isrc",
	} {
		if v := info.Get(key).String(); v != "" {
			ids[name] = v
		}
	}
	if len(ids) > 0 {
		it.ExternalID = ids
	}
	return it, it.Validate()
}
