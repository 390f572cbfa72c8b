package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that critical > warning > info. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity converts a string into a Severity
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertState is the derived lifecycle state of an alert
type AlertState string

const (
	AlertStateOpen         AlertState = "open-unacknowledged"
	AlertStateAcknowledged AlertState = "open-acknowledged"
	AlertStateResolved     AlertState = "resolved"
)

// Alert is a standing record of a threshold breach
type Alert struct {
	ID             int64          `json:"id"`
	Type           MetricType     `json:"type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Source         string         `json:"source"`
	Value          float64        `json:"value"`
	Threshold      float64        `json:"threshold"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// State derives the lifecycle state from the flag pair
func (a *Alert) State() AlertState {
	switch {
	case a.Resolved:
		return AlertStateResolved
	case a.Acknowledged:
		return AlertStateAcknowledged
	default:
		return AlertStateOpen
	}
}

// AlertAction names a lifecycle transition recorded in the audit trail
type AlertAction string

const (
	ActionCreated      AlertAction = "created"
	ActionAcknowledged AlertAction = "acknowledged"
	ActionResolved     AlertAction = "resolved"
	ActionEscalated    AlertAction = "escalated"
)

// AlertHistory is one immutable audit entry for an alert
type AlertHistory struct {
	ID          int64          `json:"id"`
	AlertID     int64          `json:"alert_id"`
	Action      AlertAction    `json:"action"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
	Notes       string         `json:"notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AlertCandidate is what the threshold evaluator hands to the lifecycle manager
type AlertCandidate struct {
	Source     string     `json:"source"`
	Type       MetricType `json:"type"`
	Severity   Severity   `json:"severity"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Comparator string     `json:"comparator"`
	Unit       string     `json:"unit,omitempty"`
	Message    string     `json:"message"`
	ObservedAt time.Time  `json:"observed_at"`
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	Type     MetricType
	Severity Severity
	Source   string
	State    AlertState
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// AlertActionRequest is the payload for acknowledge and resolve
type AlertActionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

// SendAlertEmailRequest is the payload for sending an ad-hoc alert digest
type SendAlertEmailRequest struct {
	Email  string         `json:"email" validate:"required,email"`
	Alerts []AlertPayload `json:"alerts" validate:"required,min=1,dive"`
}

// NotifyAdminRequest is the payload for a single-alert admin notification
type NotifyAdminRequest struct {
	Alert AlertPayload `json:"alert" validate:"required"`
}

// AlertPayload is an alert as submitted by a caller that wants it mailed
type AlertPayload struct {
	Type      string    `json:"type" validate:"required"`
	Severity  string    `json:"severity" validate:"required,oneof=critical warning info"`
	Message   string    `json:"message" validate:"required"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ToAlert converts a payload into an unsaved Alert for rendering
func (p AlertPayload) ToAlert(now time.Time) Alert {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Alert{
		Type:      MetricType(p.Type),
		Severity:  Severity(strings.ToLower(p.Severity)),
		Message:   p.Message,
		Source:    p.Source,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// RestartServiceRequest asks for a monitored service to be restarted
type RestartServiceRequest struct {
	Service string `json:"service" validate:"required"`
	Actor   string `json:"actor"`
}

// BlockTrafficRequest asks for a source address to be blocked
type BlockTrafficRequest struct {
	Source string `json:"source" validate:"required"`
	Actor  string `json:"actor"`
}
