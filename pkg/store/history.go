package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/timeplus-io/fw-alert-gateway/pkg/history"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// HistoryStore keeps telemetry history in sqlite. Each append batch commits
// atomically; readers run against WAL snapshots and never see a partial batch.
type HistoryStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ history.Store = (*HistoryStore)(nil)

// NewHistoryStore creates a history store on an opened and migrated database
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

// where accumulates optional equality filters after the mandatory time bound
type where struct {
	clauses []string
	args    []any
}

func since(cutoff time.Time) *where {
	return &where{clauses: []string{"ts >= ?"}, args: []any{nanos(cutoff)}}
}

func (w *where) eq(column, value string) *where {
	if value != "" {
		w.clauses = append(w.clauses, column+" = ?")
		w.args = append(w.args, value)
	}
	return w
}

func (w *where) String() string {
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// appendBatch runs insert for every item in one transaction. The context is
// detached from cancellation so a started write always completes or fails atomically.
func appendBatch[T any](ctx context.Context, db *sql.DB, op, query string, items []T, args func(T) ([]any, error)) error {
	if len(items) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return storageErr(op, err)
	}
	defer stmt.Close()

	for _, item := range items {
		a, err := args(item)
		if err != nil {
			return storageErr(op, err)
		}
		if _, err := stmt.ExecContext(ctx, a...); err != nil {
			return storageErr(op, err)
		}
	}
	return storageErr(op, tx.Commit())
}

// AppendMetrics stores normalized metrics
func (s *HistoryStore) AppendMetrics(ctx context.Context, metrics []models.Metric) error {
	return appendBatch(ctx, s.db, "append metrics",
		`INSERT INTO network_monitoring_history (source,metric_type,value,unit,ts,metadata) VALUES (?,?,?,?,?,?)`,
		metrics, func(m models.Metric) ([]any, error) {
			meta, err := encodeMetadata(m.Metadata)
			return []any{m.Source, string(m.MetricType), m.Value, m.Unit, nanos(m.Timestamp), meta}, err
		})
}

// AppendInterfaceStats stores interface snapshots
func (s *HistoryStore) AppendInterfaceStats(ctx context.Context, stats []models.InterfaceStat) error {
	return appendBatch(ctx, s.db, "append interface stats",
		`INSERT INTO interface_stats_history (source,interface_name,status,speed,in_bytes,out_bytes,in_errors,out_errors,ts,metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		stats, func(i models.InterfaceStat) ([]any, error) {
			meta, err := encodeMetadata(i.Metadata)
			return []any{i.Source, i.InterfaceName, i.Status, i.Speed, i.InBytes, i.OutBytes, i.InErrors, i.OutErrors, nanos(i.Timestamp), meta}, err
		})
}

// AppendFlows stores flow records
func (s *HistoryStore) AppendFlows(ctx context.Context, flows []models.FlowRecord) error {
	return appendBatch(ctx, s.db, "append flows",
		`INSERT INTO netflow_history (source,source_ip,destination_ip,protocol,port,bytes,packets,duration,ts,metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		flows, func(f models.FlowRecord) ([]any, error) {
			meta, err := encodeMetadata(f.Metadata)
			return []any{f.Source, f.SourceIP, f.DestinationIP, f.Protocol, f.Port, f.Bytes, f.Packets, f.Duration, nanos(f.Timestamp), meta}, err
		})
}

// QueryMetrics returns metrics in range, newest first
func (s *HistoryStore) QueryMetrics(ctx context.Context, f models.MetricFilter) ([]models.Metric, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	w := since(cutoff).eq("source", f.Source).eq("metric_type", string(f.MetricType))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,source,metric_type,value,unit,ts,metadata FROM network_monitoring_history`+w.String()+` ORDER BY ts DESC, id DESC`,
		w.args...)
	if err != nil {
		return nil, storageErr("query metrics", err)
	}
	defer rows.Close()

	out := make([]models.Metric, 0)
	for rows.Next() {
		var (
			m    models.Metric
			typ  string
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Source, &typ, &m.Value, &m.Unit, &ts, &meta); err != nil {
			return nil, storageErr("query metrics", err)
		}
		m.MetricType = models.MetricType(typ)
		m.Timestamp = fromNanos(ts)
		m.Metadata = decodeMetadata(meta)
		out = append(out, m)
	}
	return out, storageErr("query metrics", rows.Err())
}

// QueryInterfaceStats returns interface snapshots in range, newest first
func (s *HistoryStore) QueryInterfaceStats(ctx context.Context, f models.InterfaceFilter) ([]models.InterfaceStat, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	w := since(cutoff).eq("source", f.Source).eq("interface_name", f.InterfaceName)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,source,interface_name,status,speed,in_bytes,out_bytes,in_errors,out_errors,ts,metadata
		FROM interface_stats_history`+w.String()+` ORDER BY ts DESC, id DESC`,
		w.args...)
	if err != nil {
		return nil, storageErr("query interface stats", err)
	}
	defer rows.Close()

	out := make([]models.InterfaceStat, 0)
	for rows.Next() {
		var (
			i    models.InterfaceStat
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&i.ID, &i.Source, &i.InterfaceName, &i.Status, &i.Speed,
			&i.InBytes, &i.OutBytes, &i.InErrors, &i.OutErrors, &ts, &meta); err != nil {
			return nil, storageErr("query interface stats", err)
		}
		i.Timestamp = fromNanos(ts)
		i.Metadata = decodeMetadata(meta)
		out = append(out, i)
	}
	return out, storageErr("query interface stats", rows.Err())
}

// QueryFlows returns flow records in range, newest first
func (s *HistoryStore) QueryFlows(ctx context.Context, f models.FlowFilter) ([]models.FlowRecord, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	w := since(cutoff).
		eq("source", f.Source).
		eq("source_ip", f.SourceIP).
		eq("destination_ip", f.DestinationIP).
		eq("protocol", strings.ToLower(f.Protocol))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,source,source_ip,destination_ip,protocol,port,bytes,packets,duration,ts,metadata
		FROM netflow_history`+w.String()+` ORDER BY ts DESC, id DESC`,
		w.args...)
	if err != nil {
		return nil, storageErr("query flows", err)
	}
	defer rows.Close()

	out := make([]models.FlowRecord, 0)
	for rows.Next() {
		var (
			fr   models.FlowRecord
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&fr.ID, &fr.Source, &fr.SourceIP, &fr.DestinationIP, &fr.Protocol, &fr.Port,
			&fr.Bytes, &fr.Packets, &fr.Duration, &ts, &meta); err != nil {
			return nil, storageErr("query flows", err)
		}
		fr.Timestamp = fromNanos(ts)
		fr.Metadata = decodeMetadata(meta)
		out = append(out, fr)
	}
	return out, storageErr("query flows", rows.Err())
}

// Summarize aggregates metrics in range per metric type
func (s *HistoryStore) Summarize(ctx context.Context, f models.MetricFilter) ([]models.MetricSummary, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	w := since(cutoff).eq("source", f.Source).eq("metric_type", string(f.MetricType))
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_type, AVG(value), MAX(value), MIN(value), COUNT(*)
		FROM network_monitoring_history`+w.String()+` GROUP BY metric_type ORDER BY metric_type`,
		w.args...)
	if err != nil {
		return nil, storageErr("summarize", err)
	}
	defer rows.Close()

	out := make([]models.MetricSummary, 0)
	for rows.Next() {
		var (
			sum models.MetricSummary
			typ string
		)
		if err := rows.Scan(&typ, &sum.Average, &sum.Maximum, &sum.Minimum, &sum.Count); err != nil {
			return nil, storageErr("summarize", err)
		}
		sum.MetricType = models.MetricType(typ)
		out = append(out, sum)
	}
	return out, storageErr("summarize", rows.Err())
}

// TopTalkers ranks source IPs by bytes in range
func (s *HistoryStore) TopTalkers(ctx context.Context, f models.TopTalkerFilter) ([]models.TopTalker, error) {
	cutoff, err := history.Cutoff(f.Range, f.At, s.now)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_ip, SUM(bytes) AS total_bytes, SUM(packets)
		FROM netflow_history WHERE ts >= ?
		GROUP BY source_ip ORDER BY total_bytes DESC, source_ip ASC LIMIT ?`,
		nanos(cutoff), history.ClampLimit(f.Limit))
	if err != nil {
		return nil, storageErr("top talkers", err)
	}
	defer rows.Close()

	out := make([]models.TopTalker, 0)
	for rows.Next() {
		var t models.TopTalker
		if err := rows.Scan(&t.SourceIP, &t.TotalBytes, &t.TotalPackets); err != nil {
			return nil, storageErr("top talkers", err)
		}
		out = append(out, t)
	}
	return out, storageErr("top talkers", rows.Err())
}

// Purge deletes telemetry older than before from all history tables
func (s *HistoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("purge", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"network_monitoring_history", "interface_stats_history", "netflow_history"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, nanos(before))
		if err != nil {
			return 0, storageErr("purge", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("purge", err)
	}
	return total, nil
}
