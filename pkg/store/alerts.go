package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// ErrAlertNotFound is returned when no alert has the requested id
var ErrAlertNotFound = errors.New("alert not found")

const alertColumns = `id,type,severity,message,source,value,threshold,created_at,updated_at,
	acknowledged,acknowledged_by,acknowledged_at,resolved,resolved_at,metadata`

// AlertRepository persists alerts and their audit trail
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository creates a repository on an opened and migrated database
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// AlertTx is the write surface available inside one transaction
type AlertTx struct {
	tx *sql.Tx
}

// InTx runs fn in a single write transaction, committing only when fn returns nil.
// The transaction is not cancelled with ctx once started.
func (r *AlertRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx *AlertTx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &AlertTx{tx: tx}); err != nil {
		return err
	}
	return storageErr("commit", tx.Commit())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*models.Alert, error) {
	var (
		a                     models.Alert
		typ, sev              string
		created, updated      int64
		ackAt, resAt          sql.NullInt64
		acknowledged, resolve int
		meta                  sql.NullString
	)
	err := row.Scan(&a.ID, &typ, &sev, &a.Message, &a.Source, &a.Value, &a.Threshold,
		&created, &updated, &acknowledged, &a.AcknowledgedBy, &ackAt, &resolve, &resAt, &meta)
	if err != nil {
		return nil, err
	}
	a.Type = models.MetricType(typ)
	a.Severity = models.Severity(sev)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.Acknowledged = acknowledged != 0
	a.AcknowledgedAt = timePtr(ackAt)
	a.Resolved = resolve != 0
	a.ResolvedAt = timePtr(resAt)
	a.Metadata = decodeMetadata(meta)
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get loads an alert by id, ErrAlertNotFound when absent
func (t *AlertTx) Get(ctx context.Context, id int64) (*models.Alert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, storageErr("get alert", err)
	}
	return a, nil
}

// FindOpen returns the unresolved alert for (source, type), or nil when none
func (t *AlertTx) FindOpen(ctx context.Context, source string, typ models.MetricType) (*models.Alert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE source = ? AND type = ? AND resolved = 0`, source, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find open alert", err)
	}
	return a, nil
}

// LastResolved returns the most recently resolved alert for (source, type), or nil
func (t *AlertTx) LastResolved(ctx context.Context, source string, typ models.MetricType) (*models.Alert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE source = ? AND type = ? AND resolved = 1
		ORDER BY resolved_at DESC, id DESC LIMIT 1`, source, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last resolved alert", err)
	}
	return a, nil
}

// Insert stores a new alert and sets its id
func (t *AlertTx) Insert(ctx context.Context, a *models.Alert) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return storageErr("insert alert", err)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO alerts
		(type,severity,message,source,value,threshold,created_at,updated_at,acknowledged,acknowledged_by,acknowledged_at,resolved,resolved_at,metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(a.Type), string(a.Severity), a.Message, a.Source, a.Value, a.Threshold,
		nanos(a.CreatedAt), nanos(a.UpdatedAt), boolInt(a.Acknowledged), a.AcknowledgedBy, nullNanos(a.AcknowledgedAt),
		boolInt(a.Resolved), nullNanos(a.ResolvedAt), meta)
	if err != nil {
		return storageErr("insert alert", err)
	}
	a.ID, err = res.LastInsertId()
	return storageErr("insert alert", err)
}

// Update writes every mutable column of an existing alert
func (t *AlertTx) Update(ctx context.Context, a *models.Alert) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return storageErr("update alert", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE alerts SET
		severity=?, message=?, value=?, threshold=?, updated_at=?,
		acknowledged=?, acknowledged_by=?, acknowledged_at=?, resolved=?, resolved_at=?, metadata=?
		WHERE id = ?`,
		string(a.Severity), a.Message, a.Value, a.Threshold, nanos(a.UpdatedAt),
		boolInt(a.Acknowledged), a.AcknowledgedBy, nullNanos(a.AcknowledgedAt),
		boolInt(a.Resolved), nullNanos(a.ResolvedAt), meta, a.ID)
	if err != nil {
		return storageErr("update alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// Refresh updates only the breach context of an open alert, leaving the
// acknowledgment and resolution columns untouched
func (t *AlertTx) Refresh(ctx context.Context, a *models.Alert) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE alerts SET severity=?, message=?, value=?, threshold=?, updated_at=?
		WHERE id = ? AND resolved = 0`,
		string(a.Severity), a.Message, a.Value, a.Threshold, nanos(a.UpdatedAt), a.ID)
	return storageErr("refresh alert", err)
}

// AppendHistory writes one audit row and sets its id
func (t *AlertTx) AppendHistory(ctx context.Context, h *models.AlertHistory) error {
	meta, err := encodeMetadata(h.Metadata)
	if err != nil {
		return storageErr("append alert history", err)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO alert_history (alert_id,action,performed_by,performed_at,notes,metadata)
		VALUES (?,?,?,?,?,?)`,
		h.AlertID, string(h.Action), h.PerformedBy, nanos(h.PerformedAt), h.Notes, meta)
	if err != nil {
		return storageErr("append alert history", err)
	}
	h.ID, err = res.LastInsertId()
	return storageErr("append alert history", err)
}

// Get loads an alert by id outside any transaction
func (r *AlertRepository) Get(ctx context.Context, id int64) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, storageErr("get alert", err)
	}
	return a, nil
}

// List returns alerts matching the filter, newest first
func (r *AlertRepository) List(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	switch f.State {
	case models.AlertStateOpen:
		clauses = append(clauses, "resolved = 0 AND acknowledged = 0")
	case models.AlertStateAcknowledged:
		clauses = append(clauses, "resolved = 0 AND acknowledged = 1")
	case models.AlertStateResolved:
		clauses = append(clauses, "resolved = 1")
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, nanos(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, nanos(*f.Until))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storageErr("list alerts", err)
		}
		out = append(out, *a)
	}
	return out, storageErr("list alerts", rows.Err())
}

// History returns the audit trail of an alert in insertion order
func (r *AlertRepository) History(ctx context.Context, alertID int64) ([]models.AlertHistory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,alert_id,action,performed_by,performed_at,notes,metadata
		FROM alert_history WHERE alert_id = ? ORDER BY id ASC`, alertID)
	if err != nil {
		return nil, storageErr("alert history", err)
	}
	defer rows.Close()

	out := make([]models.AlertHistory, 0)
	for rows.Next() {
		var (
			h      models.AlertHistory
			action string
			at     int64
			meta   sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.AlertID, &action, &h.PerformedBy, &at, &h.Notes, &meta); err != nil {
			return nil, storageErr("alert history", err)
		}
		h.Action = models.AlertAction(action)
		h.PerformedAt = fromNanos(at)
		h.Metadata = decodeMetadata(meta)
		out = append(out, h)
	}
	return out, storageErr("alert history", rows.Err())
}
