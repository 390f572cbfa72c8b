package timeplus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/timeplus-io/fw-alert-gateway/pkg/history"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// HistoryStore keeps time-series history in Timeplus streams. Reads use
// table() so they scan historical data and terminate.
type HistoryStore struct {
	client TimeplusClient
	now    func() time.Time
}

var _ history.Store = (*HistoryStore)(nil)

// NewHistoryStore wraps a client. Call SetupStreams first.
func NewHistoryStore(client TimeplusClient) *HistoryStore {
	return &HistoryStore{client: client, now: time.Now}
}

type conditions []string

func (c conditions) eq(column, value string) conditions {
	if value == "" {
		return c
	}
	return append(c, fmt.Sprintf("%s = %s", column, quote(value)))
}

func (c conditions) String() string {
	return strings.Join(c, " AND ")
}

func since(cutoff time.Time) conditions {
	return conditions{"ts >= " + timeLiteral(cutoff)}
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *HistoryStore) AppendMetrics(ctx context.Context, metrics []models.Metric) error {
	rows := make([][]interface{}, len(metrics))
	for i, m := range metrics {
		rows[i] = []interface{}{m.Source, string(m.MetricType), m.Value, m.Unit, m.Timestamp, encodeMetadata(m.Metadata)}
	}
	return s.insert(ctx, MetricsStream, MetricsSchema(), rows)
}

func (s *HistoryStore) AppendInterfaceStats(ctx context.Context, stats []models.InterfaceStat) error {
	rows := make([][]interface{}, len(stats))
	for i, st := range stats {
		rows[i] = []interface{}{st.Source, st.InterfaceName, st.Status, st.Speed, st.InBytes, st.OutBytes,
			st.InErrors, st.OutErrors, st.Timestamp, encodeMetadata(st.Metadata)}
	}
	return s.insert(ctx, InterfacesStream, InterfacesSchema(), rows)
}

func (s *HistoryStore) AppendFlows(ctx context.Context, flows []models.FlowRecord) error {
	rows := make([][]interface{}, len(flows))
	for i, f := range flows {
		rows[i] = []interface{}{f.Source, f.SourceIP, f.DestinationIP, strings.ToLower(f.Protocol), int32(f.Port),
			f.Bytes, f.Packets, f.Duration, f.Timestamp, encodeMetadata(f.Metadata)}
	}
	return s.insert(ctx, FlowsStream, FlowsSchema(), rows)
}

func (s *HistoryStore) insert(ctx context.Context, stream string, schema []Column, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	// a write that started is finished even if the caller gives up
	return s.client.InsertRows(context.WithoutCancel(ctx), stream, columnNames(schema), rows)
}

func (s *HistoryStore) QueryMetrics(ctx context.Context, f models.MetricFilter) ([]models.Metric, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	where := since(cutoff).eq("source", f.Source).eq("metric_type", string(f.MetricType))
	rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT source, metric_type, value, unit, ts, metadata FROM table(%s) WHERE %s ORDER BY ts DESC",
		MetricsStream, where))
	if err != nil {
		return nil, err
	}
	out := make([]models.Metric, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Metric{
			Source:     asString(r["source"]),
			MetricType: models.MetricType(asString(r["metric_type"])),
			Value:      asFloat(r["value"]),
			Unit:       asString(r["unit"]),
			Timestamp:  asTime(r["ts"]),
			Metadata:   asMetadata(r["metadata"]),
		})
	}
	return out, nil
}

func (s *HistoryStore) QueryInterfaceStats(ctx context.Context, f models.InterfaceFilter) ([]models.InterfaceStat, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	where := since(cutoff).eq("source", f.Source).eq("interface_name", f.InterfaceName)
	rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT source, interface_name, status, speed, in_bytes, out_bytes, in_errors, out_errors, ts, metadata FROM table(%s) WHERE %s ORDER BY ts DESC",
		InterfacesStream, where))
	if err != nil {
		return nil, err
	}
	out := make([]models.InterfaceStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.InterfaceStat{
			Source:        asString(r["source"]),
			InterfaceName: asString(r["interface_name"]),
			Status:        asString(r["status"]),
			Speed:         asInt(r["speed"]),
			InBytes:       asInt(r["in_bytes"]),
			OutBytes:      asInt(r["out_bytes"]),
			InErrors:      asInt(r["in_errors"]),
			OutErrors:     asInt(r["out_errors"]),
			Timestamp:     asTime(r["ts"]),
			Metadata:      asMetadata(r["metadata"]),
		})
	}
	return out, nil
}

func (s *HistoryStore) QueryFlows(ctx context.Context, f models.FlowFilter) ([]models.FlowRecord, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	where := since(cutoff).eq("source", f.Source).eq("source_ip", f.SourceIP).
		eq("destination_ip", f.DestinationIP).eq("protocol", strings.ToLower(f.Protocol))
	rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT source, source_ip, destination_ip, protocol, port, bytes, packets, duration, ts, metadata FROM table(%s) WHERE %s ORDER BY ts DESC",
		FlowsStream, where))
	if err != nil {
		return nil, err
	}
	out := make([]models.FlowRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.FlowRecord{
			Source:        asString(r["source"]),
			SourceIP:      asString(r["source_ip"]),
			DestinationIP: asString(r["destination_ip"]),
			Protocol:      asString(r["protocol"]),
			Port:          int(asInt(r["port"])),
			Bytes:         asInt(r["bytes"]),
			Packets:       asInt(r["packets"]),
			Duration:      asFloat(r["duration"]),
			Timestamp:     asTime(r["ts"]),
			Metadata:      asMetadata(r["metadata"]),
		})
	}
	return out, nil
}

func (s *HistoryStore) Summarize(ctx context.Context, f models.MetricFilter) ([]models.MetricSummary, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	where := since(cutoff).eq("source", f.Source).eq("metric_type", string(f.MetricType))
	rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT metric_type, avg(value) AS average, max(value) AS maximum, min(value) AS minimum, count() AS samples FROM table(%s) WHERE %s GROUP BY metric_type ORDER BY metric_type",
		MetricsStream, where))
	if err != nil {
		return nil, err
	}
	out := make([]models.MetricSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.MetricSummary{
			MetricType: models.MetricType(asString(r["metric_type"])),
			Average:    asFloat(r["average"]),
			Maximum:    asFloat(r["maximum"]),
			Minimum:    asFloat(r["minimum"]),
			Count:      asInt(r["samples"]),
		})
	}
	return out, nil
}

// TopTalkers aggregates server-side and ranks client-side so ties break on IP
// the same way as the sqlite backend.
func (s *HistoryStore) TopTalkers(ctx context.Context, f models.TopTalkerFilter) ([]models.TopTalker, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT source_ip, sum(bytes) AS total_bytes, sum(packets) AS total_packets FROM table(%s) WHERE %s GROUP BY source_ip",
		FlowsStream, since(cutoff)))
	if err != nil {
		return nil, err
	}
	out := make([]models.TopTalker, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.TopTalker{
			SourceIP:     asString(r["source_ip"]),
			TotalBytes:   asInt(r["total_bytes"]),
			TotalPackets: asInt(r["total_packets"]),
		})
	}
	history.SortTopTalkers(out)
	if limit := history.ClampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge deletes rows older than before from every history stream and returns how many matched
func (s *HistoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx = context.WithoutCancel(ctx)
	var total int64
	for _, stream := range []string{MetricsStream, InterfacesStream, FlowsStream} {
		cond := "ts < " + timeLiteral(before)
		rows, err := s.client.ExecuteQuery(ctx, fmt.Sprintf("SELECT count() AS n FROM table(%s) WHERE %s", stream, cond))
		if err != nil {
			return total, err
		}
		if len(rows) == 0 || asInt(rows[0]["n"]) == 0 {
			continue
		}
		if err := s.client.ExecuteDDL(ctx, fmt.Sprintf("ALTER STREAM %s DELETE WHERE %s", stream, cond)); err != nil {
			return total, err
		}
		total += asInt(rows[0]["n"])
	}
	return total, nil
}
