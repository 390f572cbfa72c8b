package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// CachedStore memoizes the aggregate queries of another Store.
//
// Aggregates are evaluated at the next whole second so identical dashboard
// requests within a second share one result. Rounding up keeps the window
// cutoff at or after now minus the range. Every append bumps a generation
// counter that is part of the cache key, so a cached aggregate never hides a
// committed write.
type CachedStore struct {
	Store
	cache      *ristretto.Cache
	ttl        time.Duration
	generation atomic.Uint64
	now        func() time.Time
}

// NewCachedStore wraps inner with a ristretto cache holding up to maxEntries results
func NewCachedStore(inner Store, maxEntries int64, ttl time.Duration) (*CachedStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history cache: %w", err)
	}
	return &CachedStore{Store: inner, cache: cache, ttl: ttl, now: time.Now}, nil
}

// Close releases the cache
func (c *CachedStore) Close() {
	c.cache.Close()
}

func (c *CachedStore) bump() {
	c.generation.Add(1)
}

// AppendMetrics forwards and invalidates cached aggregates
func (c *CachedStore) AppendMetrics(ctx context.Context, m []models.Metric) error {
	defer c.bump()
	return c.Store.AppendMetrics(ctx, m)
}

// AppendInterfaceStats forwards and invalidates cached aggregates
func (c *CachedStore) AppendInterfaceStats(ctx context.Context, s []models.InterfaceStat) error {
	defer c.bump()
	return c.Store.AppendInterfaceStats(ctx, s)
}

// AppendFlows forwards and invalidates cached aggregates
func (c *CachedStore) AppendFlows(ctx context.Context, f []models.FlowRecord) error {
	defer c.bump()
	return c.Store.AppendFlows(ctx, f)
}

// Purge forwards and invalidates cached aggregates
func (c *CachedStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	defer c.bump()
	return c.Store.Purge(ctx, before)
}

func (c *CachedStore) instant(at time.Time) time.Time {
	if at.IsZero() {
		at = c.now()
	}
	sec := at.Truncate(time.Second)
	if sec.Before(at) {
		sec = sec.Add(time.Second)
	}
	return sec
}

// Summarize serves from cache when the same filter was evaluated for this second
func (c *CachedStore) Summarize(ctx context.Context, f models.MetricFilter) ([]models.MetricSummary, error) {
	f.At = c.instant(f.At)
	key := fmt.Sprintf("sum|%d|%d|%s|%s|%s", c.generation.Load(), f.At.Unix(), f.Range, f.Source, f.MetricType)
	if v, ok := c.cache.Get(key); ok {
		if out, ok := v.([]models.MetricSummary); ok {
			metrics.HistoryCache.WithLabelValues("hit").Inc()
			return out, nil
		}
	}
	metrics.HistoryCache.WithLabelValues("miss").Inc()

	out, err := c.Store.Summarize(ctx, f)
	if err != nil {
		return nil, err
	}
	c.set(key, out)
	return out, nil
}

// TopTalkers serves from cache when the same window was evaluated for this second
func (c *CachedStore) TopTalkers(ctx context.Context, f models.TopTalkerFilter) ([]models.TopTalker, error) {
	f.At = c.instant(f.At)
	f.Limit = ClampLimit(f.Limit)
	key := fmt.Sprintf("top|%d|%d|%s|%d", c.generation.Load(), f.At.Unix(), f.Range, f.Limit)
	if v, ok := c.cache.Get(key); ok {
		if out, ok := v.([]models.TopTalker); ok {
			metrics.HistoryCache.WithLabelValues("hit").Inc()
			return out, nil
		}
	}
	metrics.HistoryCache.WithLabelValues("miss").Inc()

	out, err := c.Store.TopTalkers(ctx, f)
	if err != nil {
		return nil, err
	}
	c.set(key, out)
	return out, nil
}

func (c *CachedStore) set(key string, value any) {
	if !c.cache.SetWithTTL(key, value, 1, c.ttl) {
		logrus.Debugf("History cache dropped entry %s", key)
	}
}
