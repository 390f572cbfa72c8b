package timeplus

import (
	"context"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// AlertEventSink mirrors committed alert audit rows into fw_alert_events so
// they can be consumed by streaming queries
type AlertEventSink struct {
	client TimeplusClient
}

func NewAlertEventSink(client TimeplusClient) *AlertEventSink {
	return &AlertEventSink{client: client}
}

// Publish appends one event row
func (s *AlertEventSink) Publish(ctx context.Context, alert models.Alert, entry models.AlertHistory) error {
	row := []interface{}{
		alert.ID,
		string(entry.Action),
		entry.PerformedBy,
		entry.PerformedAt,
		entry.Notes,
		string(alert.Type),
		string(alert.Severity),
		alert.Source,
		alert.Message,
		alert.Value,
		alert.Threshold,
		alert.Acknowledged,
		alert.Resolved,
	}
	return s.client.InsertRows(context.WithoutCancel(ctx), AlertEventsStream, columnNames(AlertEventsSchema()), [][]interface{}{row})
}
