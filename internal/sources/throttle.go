package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// ThrottleGate enforces a minimum interval between interactive lookups per
// actor. A call inside the interval is rejected, never queued.
type ThrottleGate struct {
	interval time.Duration
	seen     *cache.Cache
}

func NewThrottleGate(interval time.Duration) *ThrottleGate {
	if interval <= 0 {
		interval = time.Second
	}
	return &ThrottleGate{
		interval: interval,
		seen:     cache.New(interval, 10*interval),
	}
}

func (g *ThrottleGate) Allow(actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "anonymous"
	}
	// Add fails while an unexpired entry exists, which makes check-and-mark atomic.
	if err := g.seen.Add(actor, time.Now(), g.interval); err != nil {
		return fmt.Errorf("%w: retry after %s", ErrThrottled, g.interval)
	}
	return nil
}

// ThrottledSearch runs a lookup through the gate.
func ThrottledSearch(ctx context.Context, gate *ThrottleGate, s Searcher, actor, query string, limit int) ([]SearchResult, error) {
	if gate != nil {
		if err := gate.Allow(actor); err != nil {
			return nil, err
		}
	}
	return s.Search(ctx, query, limit)
}
