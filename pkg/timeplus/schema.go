package timeplus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream names
const (
	MetricsStream     = "fw_metrics"
	InterfacesStream  = "fw_interface_stats"
	FlowsStream       = "fw_netflow"
	AlertEventsStream = "fw_alert_events"
)

const timeLayout = "2006-01-02 15:04:05.000"

// MetricsSchema mirrors models.Metric
func MetricsSchema() []Column {
	return []Column{
		{Name: "source", Type: "string"},
		{Name: "metric_type", Type: "string"},
		{Name: "value", Type: "float64"},
		{Name: "unit", Type: "string"},
		{Name: "ts", Type: "datetime64(3, 'UTC')"},
		{Name: "metadata", Type: "string"},
	}
}

// InterfacesSchema mirrors models.InterfaceStat
func InterfacesSchema() []Column {
	return []Column{
		{Name: "source", Type: "string"},
		{Name: "interface_name", Type: "string"},
		{Name: "status", Type: "string"},
		{Name: "speed", Type: "int64"},
		{Name: "in_bytes", Type: "int64"},
		{Name: "out_bytes", Type: "int64"},
		{Name: "in_errors", Type: "int64"},
		{Name: "out_errors", Type: "int64"},
		{Name: "ts", Type: "datetime64(3, 'UTC')"},
		{Name: "metadata", Type: "string"},
	}
}

// FlowsSchema mirrors models.FlowRecord
func FlowsSchema() []Column {
	return []Column{
		{Name: "source", Type: "string"},
		{Name: "source_ip", Type: "string"},
		{Name: "destination_ip", Type: "string"},
		{Name: "protocol", Type: "string"},
		{Name: "port", Type: "int32"},
		{Name: "bytes", Type: "int64"},
		{Name: "packets", Type: "int64"},
		{Name: "duration", Type: "float64"},
		{Name: "ts", Type: "datetime64(3, 'UTC')"},
		{Name: "metadata", Type: "string"},
	}
}

// AlertEventsSchema is one row per alert audit entry
func AlertEventsSchema() []Column {
	return []Column{
		{Name: "alert_id", Type: "int64"},
		{Name: "action", Type: "string"},
		{Name: "performed_by", Type: "string"},
		{Name: "performed_at", Type: "datetime64(3, 'UTC')"},
		{Name: "notes", Type: "string"},
		{Name: "type", Type: "string"},
		{Name: "severity", Type: "string"},
		{Name: "source", Type: "string"},
		{Name: "message", Type: "string"},
		{Name: "value", Type: "float64"},
		{Name: "threshold", Type: "float64"},
		{Name: "acknowledged", Type: "bool"},
		{Name: "resolved", Type: "bool"},
	}
}

// Streams lists every stream the gateway writes with its schema
func Streams() map[string][]Column {
	return map[string][]Column{
		MetricsStream:     MetricsSchema(),
		InterfacesStream:  InterfacesSchema(),
		FlowsStream:       FlowsSchema(),
		AlertEventsStream: AlertEventsSchema(),
	}
}

// SetupStreams creates any missing stream
func SetupStreams(ctx context.Context, client TimeplusClient) error {
	for _, name := range []string{MetricsStream, InterfacesStream, FlowsStream, AlertEventsStream} {
		exists, err := client.StreamExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := client.CreateStream(ctx, name, Streams()[name]); err != nil {
			return err
		}
		logrus.Infof("Created stream %s", name)
	}
	return nil
}

func columnNames(schema []Column) []string {
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	return names
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func timeLiteral(t time.Time) string {
	return quote(t.UTC().Format(timeLayout))
}

// literal renders a Go value as a SQL literal
func literal(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return quote(v)
	case time.Time:
		return timeLiteral(v)
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32:
		return fmt.Sprintf("%g", v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return quote(fmt.Sprintf("%v", v))
	}
}
