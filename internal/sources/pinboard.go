package sources

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentworkforce/activitysync/internal/item"
)

type PinboardConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Pinboard returns every bookmark in the window from a single call.
type Pinboard struct {
	cfg   PinboardConfig
	fetch fetcher
}

func NewPinboard(cfg PinboardConfig) *Pinboard {
	return &Pinboard{
		cfg:   cfg,
		fetch: newFetcher(SourcePinboard, cfg.BaseURL, "https://api.pinboard.in", cfg.HTTPClient, nil),
	}
}

func (*Pinboard) ID() SourceID      { return SourcePinboard }
func (*Pinboard) Paging() Paging    { return PagingSnapshot }
func (*Pinboard) MaxBatchSize() int { return 0 }

func (s *Pinboard) Check() error {
	if !strings.Contains(s.cfg.Token, ":") {
		return newError(SourcePinboard, ErrorKindConfig, "api token must look like user:TOKEN")
	}
	return nil
}

func (s *Pinboard) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	q := url.Values{}
	q.Set("auth_token", s.cfg.Token)
	q.Set("format", "json")
	if !req.Since.IsZero() {
		q.Set("fromdt", req.Since.UTC().Format(time.RFC3339))
	}
	if !req.Until.IsZero() {
		q.Set("todt", req.Until.UTC().Format(time.RFC3339))
	}
	resp, err := s.fetch.get(ctx, "/v1/posts/all", q)
	if err != nil {
		return Batch{}, err
	}
	posts := gjson.ParseBytes(resp.Body)
	if !posts.IsArray() {
		return Batch{}, newError(SourcePinboard, ErrorKindMalformed, "posts is not an array")
	}
	batch := Batch{Records: []RawRecord{}}
	for _, p := range posts.Array() {
		batch.Records = append(batch.Records, RawRecord(p.Raw))
	}
	batch.Total = len(batch.Records)
	return batch, nil
}

func (s *Pinboard) Normalize(rec RawRecord) (item.Item, error) {
	p := gjson.ParseBytes(rec)
	it := item.Item{
		Kind:       item.KindBookmark,
		Source:     string(SourcePinboard),
		URL:        p.Get("href").String(),
		Title:      p.Get("description").String(),
		Body:       p.Get("extended").String(),
		Tags:       strings.Fields(p.Get("tags").String()),
		OccurredAt: item.TimeResult(p.Get("time")),
	}
	if hash := p.Get("hash").String(); hash != "" {
		it.ExternalID = map[string]string{"pinboard": hash}
	}
	return it, it.Validate()
}
