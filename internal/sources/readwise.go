package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentworkforce/activitysync/internal/item"
)

const readwiseHighlightsPerBook = 20

type ReadwiseConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Readwise pages books by page number and embeds up to
// readwiseHighlightsPerBook highlights into each record.
type Readwise struct {
	cfg   ReadwiseConfig
	fetch fetcher
}

func NewReadwise(cfg ReadwiseConfig) *Readwise {
	return &Readwise{
		cfg: cfg,
		fetch: newFetcher(SourceReadwise, cfg.BaseURL, "https://readwise.io", cfg.HTTPClient, map[string]string{
			"Authorization": "Token " + strings.TrimSpace(cfg.Token),
		}),
	}
}

func (*Readwise) ID() SourceID      { return SourceReadwise }
func (*Readwise) Paging() Paging    { return PagingPageCursor }
func (*Readwise) MaxBatchSize() int { return 100 }

func (s *Readwise) Check() error {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return newError(SourceReadwise, ErrorKindConfig, "access token is required")
	}
	return nil
}

type readwiseRecord struct {
	Book       json.RawMessage   `json:"book"`
	Highlights []json.RawMessage `json:"highlights,omitempty"`
}

func (s *Readwise) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	page, err := pageCursor(req.Cursor)
	if err != nil {
		return Batch{}, newError(SourceReadwise, ErrorKindMalformed, "bad cursor %q", req.Cursor)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(req.Limit))
	if !req.Since.IsZero() {
		q.Set("updated__gt", req.Since.UTC().Format(time.RFC3339))
	}
	if !req.Until.IsZero() {
		q.Set("updated__lt", req.Until.UTC().Format(time.RFC3339))
	}
	resp, err := s.fetch.get(ctx, "/api/v2/books/", q)
	if err != nil {
		return Batch{}, err
	}
	results := gjson.GetBytes(resp.Body, "results")
	if !results.IsArray() {
		return Batch{}, newError(SourceReadwise, ErrorKindMalformed, "missing results")
	}
	batch := Batch{Records: []RawRecord{}}
	for _, book := range results.Array() {
		rec := readwiseRecord{Book: json.RawMessage(book.Raw)}
		if book.Get("num_highlights").Int() > 0 {
			rec.Highlights, err = s.highlights(ctx, book.Get("id").String())
			if err != nil {
				return Batch{}, err
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return Batch{}, newError(SourceReadwise, ErrorKindMalformed, "encode record: %w", err)
		}
		batch.Records = append(batch.Records, RawRecord(data))
	}
	next := gjson.GetBytes(resp.Body, "next")
	batch.HasMore = next.Type == gjson.String && next.String() != "" && len(batch.Records) > 0
	batch.NextCursor = strconv.Itoa(page + 1)
	batch.Total = int(gjson.GetBytes(resp.Body, "count").Int())
	return batch, nil
}

func (s *Readwise) highlights(ctx context.Context, bookID string) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("book_id", bookID)
	q.Set("page_size", strconv.Itoa(readwiseHighlightsPerBook))
	resp, err := s.fetch.get(ctx, "/api/v2/highlights/", q)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, h := range gjson.GetBytes(resp.Body, "results").Array() {
		out = append(out, json.RawMessage(h.Raw))
	}
	return out, nil
}

func (s *Readwise) Normalize(rec RawRecord) (item.Item, error) {
	r := gjson.ParseBytes(rec)
	book := r.Get("book")
	it := item.Item{
		Kind:       item.KindRead,
		Source:     string(SourceReadwise),
		Title:      book.Get("title").String(),
		Author:     book.Get("author").String(),
		URL:        book.Get("source_url").String(),
		OccurredAt: item.TimeResult(book.Get("last_highlight_at")),
		Tags:       item.StringsResult(book.Get("tags.#.name")),
	}
	if it.OccurredAt.IsZero() {
		it.OccurredAt = item.TimeResult(book.Get("updated"))
	}
	for _, h := range r.Get("highlights").Array() {
		if text := strings.TrimSpace(h.Get("text").String()); text != "" {
			it.Highlights = append(it.Highlights, text)
		}
	}
	if id := book.Get("id").String(); id != "" {
		it.ExternalID = map[string]string{"readwise": id}
	}
	return it, it.Validate()
}
