package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// Top-talker list bounds
const (
	DefaultTopTalkers = 10
	MaxTopTalkers     = 1000
)

// Store is the append-only history of normalized telemetry. Queries are
// read-only, return newest first and must not block concurrent appends.
type Store interface {
	AppendMetrics(ctx context.Context, metrics []models.Metric) error
	AppendInterfaceStats(ctx context.Context, stats []models.InterfaceStat) error
	AppendFlows(ctx context.Context, flows []models.FlowRecord) error

	QueryMetrics(ctx context.Context, f models.MetricFilter) ([]models.Metric, error)
	QueryInterfaceStats(ctx context.Context, f models.InterfaceFilter) ([]models.InterfaceStat, error)
	QueryFlows(ctx context.Context, f models.FlowFilter) ([]models.FlowRecord, error)

	Summarize(ctx context.Context, f models.MetricFilter) ([]models.MetricSummary, error)
	TopTalkers(ctx context.Context, f models.TopTalkerFilter) ([]models.TopTalker, error)

	// Purge drops records older than before. Used by the retention job only.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Cutoff resolves a range once for one query. at wins over now when set.
// The returned cutoff is inclusive: records with timestamp >= cutoff are in range.
func Cutoff(r models.TimeRange, at time.Time, now func() time.Time) (time.Time, error) {
	if r == "" {
		r = models.DefaultTimeRange
	}
	if r.Duration() == 0 {
		return time.Time{}, fmt.Errorf("invalid time_range %q", r)
	}
	if at.IsZero() {
		at = now()
	}
	return r.Cutoff(at).UTC(), nil
}

// ClampLimit applies the default and the upper bound to a top-talker limit
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultTopTalkers
	case limit > MaxTopTalkers:
		return MaxTopTalkers
	default:
		return limit
	}
}

// SortTopTalkers orders by total bytes descending, then source IP ascending
func SortTopTalkers(talkers []models.TopTalker) {
	sort.SliceStable(talkers, func(i, j int) bool {
		if talkers[i].TotalBytes != talkers[j].TotalBytes {
			return talkers[i].TotalBytes > talkers[j].TotalBytes
		}
		return talkers[i].SourceIP < talkers[j].SourceIP
	})
}
