package sources

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentworkforce/activitysync/internal/item"
)

type TraktConfig struct {
	ClientID    string
	AccessToken string
	User        string
	BaseURL     string
	HTTPClient  *http.Client
}

// Trakt pages watch history by page number and also serves title search.
type Trakt struct {
	cfg   TraktConfig
	fetch fetcher
}

func NewTrakt(cfg TraktConfig) *Trakt {
	headers := map[string]string{
		"trakt-api-version": "2",
		"trakt-api-key":     strings.TrimSpace(cfg.ClientID),
		"Content-Type":      "application/json",
	}
	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &Trakt{
		cfg:   cfg,
		fetch: newFetcher(SourceTrakt, cfg.BaseURL, "https://api.trakt.tv", cfg.HTTPClient, headers),
	}
}

func (*Trakt) ID() SourceID      { return SourceTrakt }
func (*Trakt) Paging() Paging    { return PagingPageCursor }
func (*Trakt) MaxBatchSize() int { return 100 }

func (s *Trakt) Check() error {
	if strings.TrimSpace(s.cfg.ClientID) == "" {
		return newError(SourceTrakt, ErrorKindConfig, "client id is required")
	}
	return nil
}

func (s *Trakt) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	page, err := pageCursor(req.Cursor)
	if err != nil {
		return Batch{}, newError(SourceTrakt, ErrorKindMalformed, "bad cursor %q", req.Cursor)
	}
	user := strings.TrimSpace(s.cfg.User)
	if user == "" {
		user = "me"
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(req.Limit))
	if !req.Since.IsZero() {
		q.Set("start_at", req.Since.UTC().Format(time.RFC3339))
	}
	if !req.Until.IsZero() {
		q.Set("end_at", req.Until.UTC().Format(time.RFC3339))
	}
	resp, err := s.fetch.get(ctx, "/users/"+url.PathEscape(user)+"/history", q)
	if err != nil {
		return Batch{}, err
	}
	entries := gjson.ParseBytes(resp.Body)
	if !entries.IsArray() {
		return Batch{}, newError(SourceTrakt, ErrorKindMalformed, "history is not an array")
	}
	batch := Batch{Records: []RawRecord{}}
	for _, e := range entries.Array() {
		batch.Records = append(batch.Records, RawRecord(e.Raw))
	}
	pageCount, _ := strconv.Atoi(resp.Header.Get("X-Pagination-Page-Count"))
	batch.Total, _ = strconv.Atoi(resp.Header.Get("X-Pagination-Item-Count"))
	batch.HasMore = page < pageCount && len(batch.Records) > 0
	batch.NextCursor = strconv.Itoa(page + 1)
	return batch, nil
}

func (s *Trakt) Normalize(rec RawRecord) (item.Item, error) {
	r := gjson.ParseBytes(rec)
	return NormalizeTraktEntry(r, string(SourceTrakt), item.TimeResult(r.Get("watched_at")))
}

// NormalizeTraktEntry maps a history entry or scrobble payload carrying a
// movie or an episode with its show.
func NormalizeTraktEntry(r gjson.Result, source string, watchedAt time.Time) (item.Item, error) {
	it := item.Item{Kind: item.KindWatch, Source: source, OccurredAt: watchedAt}
	if episode := r.Get("episode"); episode.Exists() {
		show := r.Get("show")
		it.Show = show.Get("title").String()
		it.Title = it.Show
		it.Episode = episode.Get("title").String()
		it.Season = item.OptionalInt(episode.Get("season"))
		it.EpisodeNumber = item.OptionalInt(episode.Get("number"))
		it.Year = item.OptionalInt(show.Get("year"))
		it.ExternalID = traktIDs(show.Get("ids"))
	} else {
		movie := r.Get("movie")
		it.Title = movie.Get("title").String()
		it.Year = item.OptionalInt(movie.Get("year"))
		it.ExternalID = traktIDs(movie.Get("ids"))
	}
	return it, it.Validate()
}

func traktIDs(ids gjson.Result) map[string]string {
	out := map[string]string{}
	ids.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null && value.String() != "" {
			out[key.String()] = value.String()
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Trakt) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	q := url.Values{}
	q.Set("query", strings.TrimSpace(query))
	q.Set("limit", strconv.Itoa(limit))
	resp, err := s.fetch.get(ctx, "/search/movie,show", q)
	if err != nil {
		return nil, err
	}
	out := []SearchResult{}
	for _, r := range gjson.ParseBytes(resp.Body).Array() {
		kind := r.Get("type").String()
		media := r.Get(kind)
		if !media.Exists() {
			continue
		}
		out = append(out, SearchResult{
			Kind:        item.KindWatch,
			Title:       media.Get("title").String(),
			Year:        int(media.Get("year").Int()),
			Score:       r.Get("score").Float(),
			ExternalIDs: traktIDs(media.Get("ids")),
		})
	}
	return out, nil
}

func pageCursor(cursor string) (int, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		return 0, strconv.ErrSyntax
	}
	return page, nil
}
