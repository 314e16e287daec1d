package sources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 16 << 20

// fetcher performs single-shot GET requests. Adapters never retry; a failed
// fetch fails the job step and the error is surfaced to the caller.
type fetcher struct {
	source     SourceID
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

func newFetcher(source SourceID, baseURL, fallbackURL string, httpClient *http.Client, headers map[string]string) fetcher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = fallbackURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return fetcher{source: source, baseURL: baseURL, httpClient: httpClient, headers: headers}
}

type response struct {
	Body   []byte
	Header http.Header
}

func (f fetcher) get(ctx context.Context, path string, query url.Values) (response, error) {
	target := f.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return response{}, newError(f.source, ErrorKindConfig, "build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "activitysync")
	for key, value := range f.headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return response{}, &AdapterError{Source: f.source, Kind: ErrorKindNetwork, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, &AdapterError{Source: f.source, Kind: ErrorKindNetwork, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return response{}, newError(f.source, ErrorKindAuth, "status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return response{}, newError(f.source, ErrorKindNetwork, "status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if !json.Valid(body) {
		return response{}, newError(f.source, ErrorKindMalformed, "response is not valid json")
	}
	return response{Body: body, Header: resp.Header}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// timeBoundary is a time-cursor position: records at or before the second
// at, except the first seen records of that second, which an earlier page
// already returned. Providers list records sharing a second in a stable
// order, so skipping by count is enough. A zero at means no upper bound.
type timeBoundary struct {
	at   int64
	seen int
}

func (b timeBoundary) String() string {
	return strconv.FormatInt(b.at, 10) + ":" + strconv.Itoa(b.seen)
}

// fetchSize is the page size to request so that limit records remain after
// the already returned ones are skipped, capped at the provider maximum.
func (b timeBoundary) fetchSize(limit, ceiling int) int {
	if limit <= 0 {
		return limit
	}
	if size := limit + b.seen; size < ceiling {
		return size
	}
	return ceiling
}

// timeCursor parses a continuation token of the form "<unix>:<seen>". A bare
// unix second means strictly older than that second. An empty cursor starts
// just before until, or at the present when until is zero.
func timeCursor(cursor string, until time.Time) (timeBoundary, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		if until.IsZero() {
			return timeBoundary{}, nil
		}
		return timeBoundary{at: until.Unix() - 1}, nil
	}
	rawAt, rawSeen, found := strings.Cut(cursor, ":")
	at, err := strconv.ParseInt(rawAt, 10, 64)
	if err != nil || at < 0 {
		return timeBoundary{}, strconv.ErrSyntax
	}
	if !found {
		return timeBoundary{at: at - 1}, nil
	}
	seen, err := strconv.Atoi(rawSeen)
	if err != nil || seen < 0 {
		return timeBoundary{}, strconv.ErrSyntax
	}
	return timeBoundary{at: at, seen: seen}, nil
}

type timedRecord struct {
	raw RawRecord
	at  int64
}

// finishTimePage builds a batch from records fetched at or before the
// boundary, newest first. Records at or before since are dropped and end the
// pagination. The next cursor is the oldest second kept together with how
// many records of that second have been returned so far, so it never
// increases.
func finishTimePage(records []timedRecord, fetched, limit int, since time.Time, from timeBoundary) Batch {
	batch := Batch{Records: []RawRecord{}}
	next := from
	skip := from.seen
	reachedSince := false
	for _, rec := range records {
		if limit > 0 && len(batch.Records) >= limit {
			break
		}
		if !since.IsZero() && rec.at <= since.Unix() {
			reachedSince = true
			continue
		}
		if from.at > 0 && rec.at > from.at {
			continue
		}
		if from.at > 0 && rec.at == from.at && skip > 0 {
			skip--
			continue
		}
		batch.Records = append(batch.Records, rec.raw)
		switch {
		case next.at == 0 || rec.at < next.at:
			next = timeBoundary{at: rec.at, seen: 1}
		case rec.at == next.at:
			next.seen++
		}
	}
	batch.HasMore = !reachedSince && fetched >= limit && limit > 0 && len(batch.Records) > 0
	if next.at > 0 {
		batch.NextCursor = next.String()
	}
	return batch
}
