package models

import (
	"fmt"
	"time"
)

// MetricType names the category of a normalized observation. The set is open;
// the constants below are the types the evaluator ships defaults for.
type MetricType string

const (
	MetricCPU         MetricType = "cpu"
	MetricMemory      MetricType = "memory"
	MetricDisk        MetricType = "disk"
	MetricBandwidth   MetricType = "bandwidth"
	MetricSessions    MetricType = "sessions"
	MetricTemperature MetricType = "temperature"
)

// Metric is one normalized observation
type Metric struct {
	ID         int64          `json:"id,omitempty"`
	Source     string         `json:"source"`
	MetricType MetricType     `json:"metric_type"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InterfaceStat is a per-interface snapshot
type InterfaceStat struct {
	ID            int64          `json:"id,omitempty"`
	Source        string         `json:"source"`
	InterfaceName string         `json:"interface_name"`
	Status        string         `json:"status"`
	Speed         int64          `json:"speed"`
	InBytes       int64          `json:"in_bytes"`
	OutBytes      int64          `json:"out_bytes"`
	InErrors      int64          `json:"in_errors"`
	OutErrors     int64          `json:"out_errors"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FlowRecord is one observed network flow
type FlowRecord struct {
	ID            int64          `json:"id,omitempty"`
	Source        string         `json:"source"`
	SourceIP      string         `json:"source_ip"`
	DestinationIP string         `json:"destination_ip"`
	Protocol      string         `json:"protocol"`
	Port          int            `json:"port"`
	Bytes         int64          `json:"bytes"`
	Packets       int64          `json:"packets"`
	Duration      float64        `json:"duration"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TimeRange is one of the fixed history windows
type TimeRange string

const (
	Range1h  TimeRange = "1h"
	Range6h  TimeRange = "6h"
	Range24h TimeRange = "24h"
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
)

// DefaultTimeRange is used when a caller does not pick one
const DefaultTimeRange = Range24h

// Duration returns the window length, or zero for an unknown range
func (r TimeRange) Duration() time.Duration {
	switch r {
	case Range1h:
		return time.Hour
	case Range6h:
		return 6 * time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Cutoff resolves the range against now. Records at or after the cutoff are in range.
func (r TimeRange) Cutoff(now time.Time) time.Time {
	return now.Add(-r.Duration())
}

// ParseTimeRange validates a time_range value; empty means the default
func ParseTimeRange(s string) (TimeRange, error) {
	if s == "" {
		return DefaultTimeRange, nil
	}
	r := TimeRange(s)
	if r.Duration() == 0 {
		return "", fmt.Errorf("invalid time_range %q: must be one of 1h, 6h, 24h, 7d, 30d", s)
	}
	return r, nil
}

// The history filters carry an optional evaluation time At. When zero the
// store uses its own clock, read once per query.

// MetricFilter selects metrics from the history store
type MetricFilter struct {
	Source     string
	MetricType MetricType
	Range      TimeRange
	At         time.Time
}

// InterfaceFilter selects interface snapshots
type InterfaceFilter struct {
	Source        string
	InterfaceName string
	Range         TimeRange
	At            time.Time
}

// FlowFilter selects flow records
type FlowFilter struct {
	Source        string
	SourceIP      string
	DestinationIP string
	Protocol      string
	Range         TimeRange
	At            time.Time
}

// TopTalkerFilter selects the window and length of a top-talker ranking
type TopTalkerFilter struct {
	Range TimeRange
	Limit int
	At    time.Time
}

// MetricSummary aggregates one metric type over a window
type MetricSummary struct {
	MetricType MetricType `json:"metric_type"`
	Average    float64    `json:"average"`
	Maximum    float64    `json:"maximum"`
	Minimum    float64    `json:"minimum"`
	Count      int64      `json:"count"`
}

// TopTalker ranks a source IP by byte volume
type TopTalker struct {
	SourceIP     string `json:"source_ip"`
	TotalBytes   int64  `json:"total_bytes"`
	TotalPackets int64  `json:"total_packets"`
}
