package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// countingStore records aggregate calls and the evaluation times it was given
type countingStore struct {
	Store
	summarizeCalls int
	topCalls       int
	lastAt         time.Time
	lastLimit      int
	appended       int
}

func (s *countingStore) AppendMetrics(_ context.Context, m []models.Metric) error {
	s.appended += len(m)
	return nil
}

func (s *countingStore) Summarize(_ context.Context, f models.MetricFilter) ([]models.MetricSummary, error) {
	s.summarizeCalls++
	s.lastAt = f.At
	return []models.MetricSummary{{MetricType: models.MetricCPU, Count: int64(s.appended)}}, nil
}

func (s *countingStore) TopTalkers(_ context.Context, f models.TopTalkerFilter) ([]models.TopTalker, error) {
	s.topCalls++
	s.lastAt = f.At
	s.lastLimit = f.Limit
	return []models.TopTalker{{SourceIP: "10.0.0.1", TotalBytes: 1}}, nil
}

func newTestCache(t *testing.T, inner Store, now time.Time) *CachedStore {
	t.Helper()
	c, err := NewCachedStore(inner, 100, time.Minute)
	require.NoError(t, err)
	c.now = func() time.Time { return now }
	t.Cleanup(c.Close)
	return c
}

func TestCachedStoreServesRepeatedSummaries(t *testing.T) {
	inner := &countingStore{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 700_000_000, time.UTC)
	c := newTestCache(t, inner, now)
	ctx := context.Background()
	f := models.MetricFilter{Range: models.Range1h}

	_, err := c.Summarize(ctx, f)
	require.NoError(t, err)
	c.cache.Wait()
	_, err = c.Summarize(ctx, f)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.summarizeCalls)
	assert.Equal(t, now.Truncate(time.Second).Add(time.Second), inner.lastAt, "aggregates evaluate at the next whole second")
}

func TestCachedStoreAppendInvalidates(t *testing.T) {
	inner := &countingStore{}
	c := newTestCache(t, inner, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f := models.MetricFilter{Range: models.Range24h}

	first, err := c.Summarize(ctx, f)
	require.NoError(t, err)
	c.cache.Wait()

	require.NoError(t, c.AppendMetrics(ctx, []models.Metric{{Source: "fw1", MetricType: models.MetricCPU}}))

	second, err := c.Summarize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.summarizeCalls)
	assert.Equal(t, int64(0), first[0].Count)
	assert.Equal(t, int64(1), second[0].Count)
}

func TestCachedStoreDistinguishesFilters(t *testing.T) {
	inner := &countingStore{}
	c := newTestCache(t, inner, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := c.Summarize(ctx, models.MetricFilter{Range: models.Range1h, Source: "a"})
	require.NoError(t, err)
	c.cache.Wait()
	_, err = c.Summarize(ctx, models.MetricFilter{Range: models.Range1h, Source: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.summarizeCalls)
}

func TestCachedStoreTopTalkersClampsLimit(t *testing.T) {
	inner := &countingStore{}
	c := newTestCache(t, inner, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := c.TopTalkers(ctx, models.TopTalkerFilter{Range: models.Range24h})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopTalkers, inner.lastLimit)
	c.cache.Wait()

	// 0 and 10 resolve to the same key
	_, err = c.TopTalkers(ctx, models.TopTalkerFilter{Range: models.Range24h, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.topCalls)

	_, err = c.TopTalkers(ctx, models.TopTalkerFilter{Range: models.Range24h, Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxTopTalkers, inner.lastLimit)
}

func TestCutoffAndHelpers(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cut, err := Cutoff("", time.Time{}, clock)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), cut)

	at := now.Add(-time.Hour)
	cut, err = Cutoff(models.Range1h, at, clock)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), cut)

	_, err = Cutoff("2h", time.Time{}, clock)
	assert.Error(t, err)

	talkers := []models.TopTalker{
		{SourceIP: "10.0.0.9", TotalBytes: 10},
		{SourceIP: "10.0.0.2", TotalBytes: 50},
		{SourceIP: "10.0.0.1", TotalBytes: 10},
	}
	SortTopTalkers(talkers)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1", "10.0.0.9"},
		[]string{talkers[0].SourceIP, talkers[1].SourceIP, talkers[2].SourceIP})
}

func TestCachedStoreKeepsWholeSecondInstants(t *testing.T) {
	inner := &countingStore{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(t, inner, now)

	_, err := c.Summarize(context.Background(), models.MetricFilter{Range: models.Range1h})
	require.NoError(t, err)
	assert.Equal(t, now, inner.lastAt)

	at := now.Add(-time.Hour).Add(time.Nanosecond)
	_, err = c.TopTalkers(context.Background(), models.TopTalkerFilter{Range: models.Range1h, At: at})
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour).Add(time.Second), inner.lastAt)
}
