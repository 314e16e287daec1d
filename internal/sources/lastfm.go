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

type LastFMConfig struct {
	APIKey     string
	User       string
	BaseURL    string
	HTTPClient *http.Client
}

// LastFM pages scrobbles newest first using the "to" timestamp as cursor.
type LastFM struct {
	cfg   LastFMConfig
	fetch fetcher
}

func NewLastFM(cfg LastFMConfig) *LastFM {
	return &LastFM{
		cfg:   cfg,
		fetch: newFetcher(SourceLastFM, cfg.BaseURL, "https://ws.audioscrobbler.com", cfg.HTTPClient, nil),
	}
}

func (*LastFM) ID() SourceID      { return SourceLastFM }
func (*LastFM) Paging() Paging    { return PagingTimeCursor }
func (*LastFM) MaxBatchSize() int { return 200 }

func (s *LastFM) Check() error {
	if strings.TrimSpace(s.cfg.APIKey) == "" || strings.TrimSpace(s.cfg.User) == "" {
		return newError(SourceLastFM, ErrorKindConfig, "api key and user are required")
	}
	return nil
}

func (s *LastFM) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	cursor, err := timeCursor(req.Cursor, req.Until)
	if err != nil {
		return Batch{}, newError(SourceLastFM, ErrorKindMalformed, "bad cursor %q", req.Cursor)
	}
	q := url.Values{}
	q.Set("method", "user.getrecenttracks")
	q.Set("user", s.cfg.User)
	q.Set("api_key", s.cfg.APIKey)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(cursor.fetchSize(req.Limit, s.MaxBatchSize())))
	if cursor.at > 0 {
		q.Set("to", strconv.FormatInt(cursor.at, 10))
	}
	if !req.Since.IsZero() {
		q.Set("from", strconv.FormatInt(req.Since.Unix()+1, 10))
	}
	resp, err := s.fetch.get(ctx, "/2.0/", q)
	if err != nil {
		return Batch{}, err
	}
	if msg := gjson.GetBytes(resp.Body, "message"); gjson.GetBytes(resp.Body, "error").Exists() {
		return Batch{}, newError(SourceLastFM, ErrorKindAuth, "%s", msg.String())
	}
	tracks := gjson.GetBytes(resp.Body, "recenttracks.track")
	if !tracks.Exists() {
		return Batch{}, newError(SourceLastFM, ErrorKindMalformed, "missing recenttracks.track")
	}
	list := tracks.Array()
	if tracks.IsObject() {
		list = []gjson.Result{tracks}
	}
	var records []timedRecord
	for _, t := range list {
		if t.Get(`\@attr.nowplaying`).Bool() {
			continue
		}
		records = append(records, timedRecord{raw: RawRecord(t.Raw), at: t.Get("date.uts").Int()})
	}
	batch := finishTimePage(records, len(list), req.Limit, req.Since, cursor)
	batch.Total = int(gjson.GetBytes(resp.Body, `recenttracks.\@attr.total`).Int())
	return batch, nil
}

func (s *LastFM) Normalize(rec RawRecord) (item.Item, error) {
	r := gjson.ParseBytes(rec)
	it := item.Item{
		Kind:       item.KindListen,
		Source:     string(SourceLastFM),
		Track:      r.Get("name").String(),
		Artist:     firstResult(r, `artist.\#text`, "artist.name", "artist"),
		Album:      firstResult(r, `album.\#text`, "album"),
		OccurredAt: item.ParseTimestamp(r.Get("date.uts").String()),
		URL:        r.Get("url").String(),
	}
	if mbid := r.Get("mbid").String(); mbid != "" {
		it.ExternalID = map[string]string{"musicbrainz": mbid}
	}
	return it, it.Validate()
}

func firstResult(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}
