package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/activitysync/internal/item"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPRepository talks to a host content system over its record API:
//
//	POST  /v1/records          {kind, fields}    -> {id}
//	GET   /v1/records?kind=... (lookup params)   -> {records: [{id}]}
//	PATCH /v1/records/{id}     {fields}          -> {changed}
type HTTPRepository struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPRepository(baseURL, token string, httpClient *http.Client) *HTTPRepository {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRepository{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPRepository) Create(ctx context.Context, kind item.Kind, fields Fields) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"kind": kind, "fields": cloneFields(fields)}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/records", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("content api returned no record id")
	}
	return out.ID, nil
}

func (c *HTTPRepository) FindExisting(ctx context.Context, lookup Lookup) (string, bool, error) {
	q := url.Values{}
	q.Set("kind", string(lookup.Kind))
	if lookup.Fingerprint != "" {
		q.Set("fingerprint", lookup.Fingerprint)
	} else if lookup.Title != "" {
		q.Set("title", lookup.Title)
	} else {
		return "", false, fmt.Errorf("%w: lookup needs a fingerprint or title", ErrInvalidInput)
	}
	if lookup.Date != "" {
		q.Set("date", lookup.Date)
	}
	q.Set("limit", "1")
	var out struct {
		Records []struct {
			ID string `json:"id"`
		} `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/records?"+q.Encode(), nil, &out); err != nil {
		return "", false, err
	}
	if len(out.Records) == 0 || out.Records[0].ID == "" {
		return "", false, nil
	}
	return out.Records[0].ID, true, nil
}

func (c *HTTPRepository) Update(ctx context.Context, id string, fields Fields) (int, error) {
	var out struct {
		Changed int `json:"changed"`
	}
	body := map[string]any{"fields": cloneFields(fields)}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/records/"+url.PathEscape(id), body, &out); err != nil {
		return 0, err
	}
	return out.Changed, nil
}

func (c *HTTPRepository) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "content_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func (c *HTTPRepository) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
