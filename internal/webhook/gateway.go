package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/review"
	"github.com/agentworkforce/activitysync/internal/ringbuf"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

const (
	defaultMaxBodyBytes = 1 << 20
	activityCapacity    = 100
)

type Creator interface {
	Create(ctx context.Context, it item.Item, postStatus string) (upsert.Result, error)
}

type Enqueuer interface {
	Enqueue(it item.Item, service string) (review.Entry, error)
}

// Response is returned for every accepted request. Action is one of
// ignored, created, skipped or queued.
type Response struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids,omitempty"`
	Items  int      `json:"items"`
}

// Activity is one line of the webhook activity log.
type Activity struct {
	Service    string    `json:"service"`
	ReceivedAt time.Time `json:"receivedAt"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	Items      int       `json:"items"`
}

type Options struct {
	PostStatus    string
	MaxBodyBytes  int64
	RatePerSecond float64
	RateBurst     int
	Hook          Hook
	Now           func() time.Time
	Logger        logrus.FieldLogger
}

type Gateway struct {
	registry *Registry
	secrets  *SecretStore
	creator  Creator
	queue    Enqueuer
	hook     Hook

	postStatus   string
	maxBodyBytes int64
	rateLimit    rate.Limit
	rateBurst    int
	now          func() time.Time
	logger       logrus.FieldLogger

	mu       sync.Mutex
	activity *ringbuf.Buffer[Activity]
	limiters map[Service]*rate.Limiter
}

func NewGateway(registry *Registry, secrets *SecretStore, creator Creator, queue Enqueuer, opts Options) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if secrets == nil {
		secrets, _ = NewSecretStore("")
	}
	return &Gateway{
		registry:     registry,
		secrets:      secrets,
		creator:      creator,
		queue:        queue,
		hook:         opts.Hook,
		postStatus:   opts.PostStatus,
		maxBodyBytes: opts.MaxBodyBytes,
		rateLimit:    limit,
		rateBurst:    opts.RateBurst,
		now:          opts.Now,
		logger:       opts.Logger,
		activity:     ringbuf.New[Activity](activityCapacity),
		limiters:     map[Service]*rate.Limiter{},
	}
}

// Secret returns the shared secret callers of a service must present.
func (g *Gateway) Secret(service string) (string, error) {
	ep, err := g.registry.Lookup(service)
	if err != nil {
		return "", err
	}
	return g.secrets.Secret(ep.Service)
}

// PinSecret replaces the generated secret of a service with one that is
// already configured on the sending side.
func (g *Gateway) PinSecret(service, secret string) error {
	ep, err := g.registry.Lookup(service)
	if err != nil {
		return err
	}
	if err := g.secrets.Set(ep.Service, secret); err != nil {
		return err
	}
	g.logger.WithField("service", ep.Service).Info("Webhook secret pinned")
	return nil
}

// Endpoints lists the current endpoint configuration ordered by service.
func (g *Gateway) Endpoints() []Endpoint {
	return g.registry.Endpoints()
}

// Activity returns up to n log lines, newest first.
func (g *Gateway) Activity(n int) []Activity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activity.Newest(n)
}

// Handle authenticates, parses and normalizes one webhook delivery, then
// either posts the resulting items or queues them for review. Nothing is
// parsed before authentication succeeds.
func (g *Gateway) Handle(ctx context.Context, service string, r *http.Request) (Response, *Error) {
	received := g.now()
	name := strings.ToLower(strings.TrimSpace(service))
	resp, werr := g.handle(ctx, name, r, received)
	entry := Activity{Service: name, ReceivedAt: received}
	if werr != nil {
		entry.Status = werr.Status
		entry.Outcome = werr.Code
		entry.Message = werr.Message
	} else {
		entry.Status = http.StatusOK
		entry.Outcome = resp.Action
		entry.Items = resp.Items
	}
	g.mu.Lock()
	g.activity.Push(entry)
	g.mu.Unlock()
	requestsTotal.WithLabelValues(metricService(name), entry.Outcome).Inc()

	fields := logrus.Fields{"service": name, "status": entry.Status, "outcome": entry.Outcome}
	if werr != nil && werr.Status >= http.StatusInternalServerError {
		g.logger.WithFields(fields).Error(werr.Message)
	} else if werr != nil {
		g.logger.WithFields(fields).Warn(werr.Message)
	} else {
		g.logger.WithFields(fields).Debug("Webhook handled")
	}
	return resp, werr
}

func (g *Gateway) handle(ctx context.Context, service string, r *http.Request, received time.Time) (Response, *Error) {
	ep, err := g.registry.Lookup(service)
	if err != nil || !ep.Enabled {
		return Response{}, &Error{Status: http.StatusNotFound, Code: "not_found", Message: "unknown webhook service " + service}
	}

	body, werr := g.readBody(r)
	if werr != nil {
		return Response{}, werr
	}
	var secret string
	if ep.Auth == AuthToken || ep.Auth == AuthHMAC {
		if secret, err = g.secrets.Secret(ep.Service); err != nil {
			return Response{}, internalError("load webhook secret: " + err.Error())
		}
	}
	if werr := authenticate(ep, secret, r, body); werr != nil {
		return Response{}, werr
	}
	// Only authenticated requests spend the service's rate budget.
	if !g.limiter(ep.Service).Allow() {
		return Response{}, &Error{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many webhook requests"}
	}

	payload, werr := parsePayload(ep, r, body)
	if werr != nil {
		return Response{}, werr
	}
	if werr := validatePayload(ep, payload); werr != nil {
		return Response{}, werr
	}
	items, err := g.normalizerFor(ep.Service)(payload, received.UTC())
	if err != nil {
		return Response{}, &Error{Status: http.StatusUnprocessableEntity, Code: "invalid_item", Message: err.Error()}
	}
	if len(items) == 0 {
		return Response{Action: "ignored"}, nil
	}
	if ep.AutoPost {
		return g.post(ctx, items)
	}
	return g.enqueue(ep.Service, items)
}

func (g *Gateway) post(ctx context.Context, items []item.Item) (Response, *Error) {
	if g.creator == nil {
		return Response{}, internalError("auto-post is not configured")
	}
	resp := Response{Action: "skipped", Items: len(items)}
	for _, it := range items {
		result, err := g.creator.Create(ctx, it, g.postStatus)
		if err != nil {
			return Response{}, internalError("create " + it.Describe() + ": " + err.Error())
		}
		if result.Outcome == upsert.OutcomeImported {
			resp.Action = "created"
		}
		if result.ID != "" {
			resp.IDs = append(resp.IDs, result.ID)
		}
	}
	return resp, nil
}

func (g *Gateway) enqueue(service Service, items []item.Item) (Response, *Error) {
	if g.queue == nil {
		return Response{}, internalError("review queue is not configured")
	}
	resp := Response{Action: "queued", Items: len(items)}
	for _, it := range items {
		entry, err := g.queue.Enqueue(it, string(service))
		if errors.Is(err, item.ErrInvalidItem) {
			return Response{}, &Error{Status: http.StatusUnprocessableEntity, Code: "invalid_item", Message: err.Error()}
		}
		if err != nil {
			return Response{}, internalError("queue " + it.Describe() + ": " + err.Error())
		}
		resp.IDs = append(resp.IDs, entry.ID)
	}
	return resp, nil
}

func (g *Gateway) readBody(r *http.Request) ([]byte, *Error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("invalid_payload", "read body: "+err.Error())
	}
	if int64(len(body)) > g.maxBodyBytes {
		return nil, &Error{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Message: "webhook body exceeds size limit"}
	}
	return body, nil
}

func (g *Gateway) limiter(service Service) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[service]
	if !ok {
		l = rate.NewLimiter(g.rateLimit, g.rateBurst)
		g.limiters[service] = l
	}
	return l
}

func internalError(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: message}
}

// metricService keeps label cardinality bounded to the known services.
func metricService(name string) string {
	for _, s := range Services() {
		if string(s) == name {
			return name
		}
	}
	return "unknown"
}
