package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/store"
)

// Lifecycle errors surfaced to callers of acknowledge and resolve
var (
	ErrNotFound        = errors.New("alert not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
)

// Actors recorded in the audit trail when no operator identity applies
const (
	// SystemActor performs the engine's own created and escalated transitions
	SystemActor = "system"
	// AnonymousActor is an operator transition that arrived without an identity
	AnonymousActor = "anonymous"
)

// RaiseOutcome says what Raise did with a candidate
type RaiseOutcome string

const (
	RaiseCreated    RaiseOutcome = "created"
	RaiseEscalated  RaiseOutcome = "escalated"
	RaiseRefreshed  RaiseOutcome = "refreshed"
	RaiseSuppressed RaiseOutcome = "suppressed"
)

// Notify reports whether the outcome warrants telling an operator
func (o RaiseOutcome) Notify() bool {
	return o == RaiseCreated || o == RaiseEscalated
}

// EventSink receives every committed audit row together with the alert it belongs to
type EventSink interface {
	Publish(ctx context.Context, alert models.Alert, entry models.AlertHistory) error
}

// Options tune the lifecycle policy
type Options struct {
	// Cooldown suppresses a new alert for a key resolved less than this long ago. Zero disables it.
	Cooldown                time.Duration
	AllowReacknowledgeNotes bool
	AllowResolveNotes       bool
}

// OptionsFromConfig maps the alerts config section
func OptionsFromConfig(cfg config.AlertsConfig) Options {
	return Options{
		Cooldown:                cfg.Cooldown,
		AllowReacknowledgeNotes: cfg.AllowReacknowledgeNotes,
		AllowResolveNotes:       cfg.AllowResolveNotes,
	}
}

// AlertService owns the alert state machine. Transitions on one alert are
// serialized and each commits its header change together with its audit row.
type AlertService struct {
	repo  *store.AlertRepository
	opts  Options
	sink  EventSink
	locks *keyedMutex
	now   func() time.Time
}

// NewAlertService creates the lifecycle manager
func NewAlertService(repo *store.AlertRepository, opts Options) *AlertService {
	return &AlertService{
		repo:  repo,
		opts:  opts,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// SetEventSink mirrors committed audit rows to sink
func (s *AlertService) SetEventSink(sink EventSink) {
	s.sink = sink
}

func raiseKey(source string, typ models.MetricType) string {
	return "raise:" + source + "\x00" + string(typ)
}

func alertKey(id int64) string {
	return "alert:" + strconv.FormatInt(id, 10)
}

// Raise materializes a candidate. An unresolved alert for the same source and
// type absorbs the candidate instead of a new alert being created.
func (s *AlertService) Raise(ctx context.Context, c models.AlertCandidate) (*models.Alert, RaiseOutcome, error) {
	if c.Source == "" || c.Type == "" {
		return nil, "", fmt.Errorf("alert candidate needs a source and a type")
	}
	if !c.Severity.Valid() {
		return nil, "", fmt.Errorf("alert candidate has unknown severity %q", c.Severity)
	}

	unlock := s.locks.Lock(raiseKey(c.Source, c.Type))
	defer unlock()

	now := s.now().UTC()
	var (
		alert   *models.Alert
		outcome RaiseOutcome
		entry   *models.AlertHistory
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx *store.AlertTx) error {
		open, err := tx.FindOpen(ctx, c.Source, c.Type)
		if err != nil {
			return err
		}
		if open != nil {
			alert, outcome = open, RaiseRefreshed
			previous := open.Severity
			open.Value, open.Threshold, open.Message, open.UpdatedAt = c.Value, c.Threshold, c.Message, now
			if c.Severity.Rank() > previous.Rank() {
				open.Severity = c.Severity
				outcome = RaiseEscalated
				entry = &models.AlertHistory{
					AlertID:     open.ID,
					Action:      models.ActionEscalated,
					PerformedBy: SystemActor,
					PerformedAt: now,
					Notes:       fmt.Sprintf("severity raised from %s to %s", previous, c.Severity),
					Metadata:    map[string]any{"value": c.Value, "threshold": c.Threshold},
				}
			}
			if err := tx.Refresh(ctx, open); err != nil {
				return err
			}
			if entry != nil {
				return tx.AppendHistory(ctx, entry)
			}
			return nil
		}

		if s.opts.Cooldown > 0 {
			last, err := tx.LastResolved(ctx, c.Source, c.Type)
			if err != nil {
				return err
			}
			if last != nil && last.ResolvedAt != nil && now.Sub(*last.ResolvedAt) < s.opts.Cooldown {
				alert, outcome = last, RaiseSuppressed
				return nil
			}
		}

		alert = &models.Alert{
			Type:      c.Type,
			Severity:  c.Severity,
			Message:   c.Message,
			Source:    c.Source,
			Value:     c.Value,
			Threshold: c.Threshold,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  candidateMetadata(c),
		}
		if err := tx.Insert(ctx, alert); err != nil {
			return err
		}
		outcome = RaiseCreated
		entry = &models.AlertHistory{
			AlertID:     alert.ID,
			Action:      models.ActionCreated,
			PerformedBy: SystemActor,
			PerformedAt: now,
			Notes:       c.Message,
		}
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to raise %s alert for %s: %w", c.Type, c.Source, err)
	}

	switch outcome {
	case RaiseCreated:
		metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		logrus.WithFields(logrus.Fields{"alert_id": alert.ID, "action": outcome, "actor": SystemActor}).
			Infof("Created %s alert for %s: %s", alert.Severity, alert.Source, alert.Message)
	case RaiseEscalated:
		logrus.WithFields(logrus.Fields{"alert_id": alert.ID, "action": outcome, "actor": SystemActor}).
			Warnf("Escalated alert for %s to %s", alert.Source, alert.Severity)
	case RaiseSuppressed:
		logrus.Debugf("Suppressed %s candidate for %s during cool-down after alert %d", c.Type, c.Source, alert.ID)
	}
	s.committed(ctx, alert, entry)
	return alert, outcome, nil
}

func candidateMetadata(c models.AlertCandidate) map[string]any {
	meta := map[string]any{}
	if c.Comparator != "" {
		meta["comparator"] = c.Comparator
	}
	if c.Unit != "" {
		meta["unit"] = c.Unit
	}
	if !c.ObservedAt.IsZero() {
		meta["observed_at"] = c.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// Acknowledge marks an open alert as seen by actor. Only the first call flips
// the state; later calls keep the original acknowledgment.
func (s *AlertService) Acknowledge(ctx context.Context, id int64, actor, notes string) (*models.Alert, error) {
	actor = actorOrAnonymous(actor)
	unlock := s.locks.Lock(alertKey(id))
	defer unlock()

	now := s.now().UTC()
	var (
		alert *models.Alert
		entry *models.AlertHistory
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx *store.AlertTx) error {
		a, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		alert = a
		if a.Resolved {
			return ErrAlreadyResolved
		}
		if a.Acknowledged {
			if !s.opts.AllowReacknowledgeNotes || notes == "" {
				logrus.WithFields(logrus.Fields{"alert_id": id, "actor": actor}).
					Infof("Alert already acknowledged by %s; ignoring repeat acknowledgment", a.AcknowledgedBy)
				return nil
			}
			entry = noteEntry(id, models.ActionAcknowledged, actor, notes, now)
			return tx.AppendHistory(ctx, entry)
		}

		a.Acknowledged = true
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
		a.UpdatedAt = now
		if err := tx.Update(ctx, a); err != nil {
			return err
		}
		entry = &models.AlertHistory{AlertID: id, Action: models.ActionAcknowledged, PerformedBy: actor, PerformedAt: now, Notes: notes}
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return nil, lifecycleErr(id, "acknowledge", err)
	}
	s.committed(ctx, alert, entry)
	return alert, nil
}

// Resolve closes an alert whether or not it was acknowledged
func (s *AlertService) Resolve(ctx context.Context, id int64, actor, notes string) (*models.Alert, error) {
	actor = actorOrAnonymous(actor)
	unlock := s.locks.Lock(alertKey(id))
	defer unlock()

	now := s.now().UTC()
	var (
		alert *models.Alert
		entry *models.AlertHistory
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx *store.AlertTx) error {
		a, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		alert = a
		if a.Resolved {
			if !s.opts.AllowResolveNotes || notes == "" {
				logrus.WithFields(logrus.Fields{"alert_id": id, "actor": actor}).Info("Alert already resolved; ignoring repeat resolve")
				return nil
			}
			entry = noteEntry(id, models.ActionResolved, actor, notes, now)
			return tx.AppendHistory(ctx, entry)
		}

		a.Resolved = true
		a.ResolvedAt = &now
		a.UpdatedAt = now
		if err := tx.Update(ctx, a); err != nil {
			return err
		}
		entry = &models.AlertHistory{AlertID: id, Action: models.ActionResolved, PerformedBy: actor, PerformedAt: now, Notes: notes}
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return nil, lifecycleErr(id, "resolve", err)
	}
	s.committed(ctx, alert, entry)
	return alert, nil
}

func noteEntry(id int64, action models.AlertAction, actor, notes string, at time.Time) *models.AlertHistory {
	return &models.AlertHistory{
		AlertID:     id,
		Action:      action,
		PerformedBy: actor,
		PerformedAt: at,
		Notes:       notes,
		Metadata:    map[string]any{"note_only": true},
	}
}

func actorOrAnonymous(actor string) string {
	if actor == "" {
		return AnonymousActor
	}
	return actor
}

func lifecycleErr(id int64, op string, err error) error {
	switch {
	case errors.Is(err, store.ErrAlertNotFound):
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	case errors.Is(err, ErrAlreadyResolved):
		return fmt.Errorf("alert %d: %w", id, ErrAlreadyResolved)
	default:
		return fmt.Errorf("failed to %s alert %d: %w", op, id, err)
	}
}

// committed runs after a successful transaction that wrote entry
func (s *AlertService) committed(ctx context.Context, alert *models.Alert, entry *models.AlertHistory) {
	if entry == nil {
		return
	}
	metrics.AlertTransitions.WithLabelValues(string(entry.Action)).Inc()
	logrus.WithFields(logrus.Fields{
		"alert_id": entry.AlertID,
		"action":   entry.Action,
		"actor":    entry.PerformedBy,
	}).Debug("Alert history recorded")

	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, *alert, *entry); err != nil {
		logrus.Warnf("Failed to mirror alert %d %s event: %v", entry.AlertID, entry.Action, err)
	}
}

// ListAlerts returns alerts matching the filter, newest first
func (s *AlertService) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	return s.repo.List(ctx, f)
}

// GetAlert returns one alert
func (s *AlertService) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, lifecycleErr(id, "get", err)
	}
	return a, nil
}

// GetHistory returns the audit trail of one alert, oldest first
func (s *AlertService) GetHistory(ctx context.Context, id int64) ([]models.AlertHistory, error) {
	if _, err := s.GetAlert(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}
