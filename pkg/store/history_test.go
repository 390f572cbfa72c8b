package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

func newTestDB(t *testing.T) (*HistoryStore, *AlertRepository) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return NewHistoryStore(db), NewAlertRepository(db)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMigrateIsIdempotent(t *testing.T) {
	hs, _ := newTestDB(t)
	require.NoError(t, Migrate(hs.db))
}

func TestQueryMetricsInclusiveStart(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()

	boundary := testNow.Add(-time.Hour)
	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 10, Unit: "%", Timestamp: boundary.Add(-time.Nanosecond)},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 20, Unit: "%", Timestamp: boundary},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 30, Unit: "%", Timestamp: testNow.Add(-time.Minute),
			Metadata: map[string]any{"hostname": "edge"}},
		{Source: "fw2", MetricType: models.MetricMemory, Value: 40, Unit: "%", Timestamp: testNow.Add(-time.Minute)},
	}))

	got, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range1h, Source: "fw1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 30.0, got[0].Value, "newest first")
	assert.Equal(t, "edge", got[0].Metadata["hostname"])
	assert.Equal(t, 20.0, got[1].Value, "a record exactly at the cutoff is included")
	assert.Equal(t, boundary, got[1].Timestamp)

	all, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range24h})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	mem, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range1h, MetricType: models.MetricMemory})
	require.NoError(t, err)
	require.Len(t, mem, 1)
	assert.Equal(t, "fw2", mem[0].Source)
}

func TestQueryMetricsTiesByInsertionOrder(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()

	ts := testNow.Add(-time.Minute)
	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 1, Timestamp: ts},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 2, Timestamp: ts},
	}))

	got, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range1h})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, 1.0, got[1].Value)
}

func TestQueryUsesExplicitEvaluationTime(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()

	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 1, Timestamp: testNow.Add(-90 * time.Minute)},
	}))

	got, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range1h, At: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueryRejectsUnknownRange(t *testing.T) {
	hs, _ := newTestDB(t)
	_, err := hs.QueryMetrics(context.Background(), models.MetricFilter{Range: "2h"})
	assert.Error(t, err)
}

func TestInterfaceStatsAndFlows(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()
	ts := testNow.Add(-10 * time.Minute)

	require.NoError(t, hs.AppendInterfaceStats(ctx, []models.InterfaceStat{
		{Source: "fw1", InterfaceName: "eth0", Status: "up", Speed: 1000, InBytes: 5, OutBytes: 6, Timestamp: ts},
		{Source: "fw1", InterfaceName: "eth1", Status: "down", Timestamp: ts},
	}))
	stats, err := hs.QueryInterfaceStats(ctx, models.InterfaceFilter{Range: models.Range1h, InterfaceName: "eth0"})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1000), stats[0].Speed)
	assert.Equal(t, "up", stats[0].Status)

	require.NoError(t, hs.AppendFlows(ctx, []models.FlowRecord{
		{Source: "fw1", SourceIP: "10.0.0.1", DestinationIP: "8.8.8.8", Protocol: "tcp", Port: 443, Bytes: 100, Packets: 2, Timestamp: ts},
		{Source: "fw1", SourceIP: "10.0.0.2", DestinationIP: "8.8.4.4", Protocol: "udp", Port: 53, Bytes: 50, Packets: 1, Timestamp: ts},
	}))
	flows, err := hs.QueryFlows(ctx, models.FlowFilter{Range: models.Range1h, Protocol: "TCP"})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "10.0.0.1", flows[0].SourceIP)
	assert.Equal(t, 443, flows[0].Port)
}

func TestSummarize(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()
	ts := testNow.Add(-time.Minute)

	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 10, Timestamp: ts},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 30, Timestamp: ts},
		{Source: "fw1", MetricType: models.MetricMemory, Value: 50, Timestamp: ts},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 99, Timestamp: testNow.Add(-2 * time.Hour)},
	}))

	got, err := hs.Summarize(ctx, models.MetricFilter{Range: models.Range1h})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.MetricSummary{MetricType: models.MetricCPU, Average: 20, Maximum: 30, Minimum: 10, Count: 2}, got[0])
	assert.Equal(t, models.MetricSummary{MetricType: models.MetricMemory, Average: 50, Maximum: 50, Minimum: 50, Count: 1}, got[1])
}

func TestTopTalkersOrderingAndLimit(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()
	ts := testNow.Add(-time.Minute)

	require.NoError(t, hs.AppendFlows(ctx, []models.FlowRecord{
		{Source: "fw1", SourceIP: "10.0.0.9", Bytes: 300, Packets: 3, Timestamp: ts},
		{Source: "fw1", SourceIP: "10.0.0.3", Bytes: 100, Packets: 1, Timestamp: ts},
		{Source: "fw1", SourceIP: "10.0.0.3", Bytes: 200, Packets: 2, Timestamp: ts},
		{Source: "fw1", SourceIP: "10.0.0.1", Bytes: 50, Packets: 1, Timestamp: ts},
		{Source: "fw1", SourceIP: "10.0.0.7", Bytes: 1000, Packets: 9, Timestamp: testNow.Add(-48 * time.Hour)},
	}))

	got, err := hs.TopTalkers(ctx, models.TopTalkerFilter{Range: models.Range24h, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.TopTalker{SourceIP: "10.0.0.3", TotalBytes: 300, TotalPackets: 3}, got[0], "ties break on source ip")
	assert.Equal(t, models.TopTalker{SourceIP: "10.0.0.9", TotalBytes: 300, TotalPackets: 3}, got[1])

	all, err := hs.TopTalkers(ctx, models.TopTalkerFilter{Range: models.Range30d})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "10.0.0.7", all[0].SourceIP)
}

func TestPurge(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx := context.Background()
	old := testNow.Add(-40 * 24 * time.Hour)

	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 1, Timestamp: old},
		{Source: "fw1", MetricType: models.MetricCPU, Value: 2, Timestamp: testNow},
	}))
	require.NoError(t, hs.AppendFlows(ctx, []models.FlowRecord{
		{Source: "fw1", SourceIP: "10.0.0.1", Bytes: 1, Timestamp: old},
	}))

	n, err := hs.Purge(ctx, testNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := hs.QueryMetrics(ctx, models.MetricFilter{Range: models.Range30d})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestAppendSurvivesCancelledContext(t *testing.T) {
	hs, _ := newTestDB(t)
	hs.now = func() time.Time { return testNow }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, hs.AppendMetrics(ctx, []models.Metric{
		{Source: "fw1", MetricType: models.MetricCPU, Value: 1, Timestamp: testNow},
	}))
	got, err := hs.QueryMetrics(context.Background(), models.MetricFilter{Range: models.Range1h})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStorageErrorWrapping(t *testing.T) {
	hs, _ := newTestDB(t)
	require.NoError(t, hs.db.Close())

	_, err := hs.QueryMetrics(context.Background(), models.MetricFilter{Range: models.Range1h})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "query metrics", se.Op)
}
