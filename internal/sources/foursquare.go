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

const foursquareAPIVersion = "20231010"

type FoursquareConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Foursquare pages check-ins with beforeTimestamp/afterTimestamp.
type Foursquare struct {
	cfg   FoursquareConfig
	fetch fetcher
}

func NewFoursquare(cfg FoursquareConfig) *Foursquare {
	return &Foursquare{
		cfg:   cfg,
		fetch: newFetcher(SourceFoursquare, cfg.BaseURL, "https://api.foursquare.com", cfg.HTTPClient, nil),
	}
}

func (*Foursquare) ID() SourceID      { return SourceFoursquare }
func (*Foursquare) Paging() Paging    { return PagingTimeCursor }
func (*Foursquare) MaxBatchSize() int { return 250 }

func (s *Foursquare) Check() error {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return newError(SourceFoursquare, ErrorKindConfig, "oauth token is required")
	}
	return nil
}

func (s *Foursquare) FetchBatch(ctx context.Context, req BatchRequest) (Batch, error) {
	if err := s.Check(); err != nil {
		return Batch{}, err
	}
	cursor, err := timeCursor(req.Cursor, req.Until)
	if err != nil {
		return Batch{}, newError(SourceFoursquare, ErrorKindMalformed, "bad cursor %q", req.Cursor)
	}
	q := url.Values{}
	q.Set("oauth_token", s.cfg.Token)
	q.Set("v", foursquareAPIVersion)
	q.Set("limit", strconv.Itoa(cursor.fetchSize(req.Limit, s.MaxBatchSize())))
	q.Set("sort", "newestfirst")
	if cursor.at > 0 {
		q.Set("beforeTimestamp", strconv.FormatInt(cursor.at+1, 10))
	}
	if !req.Since.IsZero() {
		q.Set("afterTimestamp", strconv.FormatInt(req.Since.Unix(), 10))
	}
	resp, err := s.fetch.get(ctx, "/v2/users/self/checkins", q)
	if err != nil {
		return Batch{}, err
	}
	if code := gjson.GetBytes(resp.Body, "meta.code").Int(); code == 401 || code == 403 {
		return Batch{}, newError(SourceFoursquare, ErrorKindAuth, "%s", gjson.GetBytes(resp.Body, "meta.errorDetail").String())
	}
	checkins := gjson.GetBytes(resp.Body, "response.checkins")
	items := checkins.Get("items")
	if !items.IsArray() {
		return Batch{}, newError(SourceFoursquare, ErrorKindMalformed, "missing response.checkins.items")
	}
	list := items.Array()
	records := make([]timedRecord, 0, len(list))
	for _, c := range list {
		records = append(records, timedRecord{raw: RawRecord(c.Raw), at: c.Get("createdAt").Int()})
	}
	batch := finishTimePage(records, len(list), req.Limit, req.Since, cursor)
	batch.Total = int(checkins.Get("count").Int())
	return batch, nil
}

func (s *Foursquare) Normalize(rec RawRecord) (item.Item, error) {
	c := gjson.ParseBytes(rec)
	venue := c.Get("venue")
	it := item.Item{
		Kind:       item.KindCheckin,
		Source:     string(SourceFoursquare),
		VenueName:  venue.Get("name").String(),
		Latitude:   item.OptionalFloat(venue.Get("location.lat")),
		Longitude:  item.OptionalFloat(venue.Get("location.lng")),
		OccurredAt: item.TimeResult(c.Get("createdAt")),
		Body:       c.Get("shout").String(),
	}
	if id := venue.Get("id").String(); id != "" {
		it.ExternalID = map[string]string{"foursquare": id}
	}
	return it, it.Validate()
}
