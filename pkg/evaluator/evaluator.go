package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/validation"
)

// Rule is one threshold on a metric type
type Rule struct {
	MetricType models.MetricType `json:"metric_type" validate:"required"`
	Comparator string            `json:"comparator" validate:"required,oneof=> >= < <= =="`
	Value      float64           `json:"value"`
	Severity   models.Severity   `json:"severity" validate:"required,oneof=critical warning info"`
}

// Breached reports whether v crosses the rule boundary
func (r Rule) Breached(v float64) bool {
	switch r.Comparator {
	case ">":
		return v > r.Value
	case ">=":
		return v >= r.Value
	case "<":
		return v < r.Value
	case "<=":
		return v <= r.Value
	case "==":
		return v == r.Value
	default:
		return false
	}
}

// DefaultRules are the percent thresholds used when none are configured
func DefaultRules() []Rule {
	return []Rule{
		{MetricType: models.MetricCPU, Comparator: ">", Value: 70, Severity: models.SeverityWarning},
		{MetricType: models.MetricCPU, Comparator: ">", Value: 85, Severity: models.SeverityCritical},
		{MetricType: models.MetricMemory, Comparator: ">", Value: 75, Severity: models.SeverityWarning},
		{MetricType: models.MetricMemory, Comparator: ">", Value: 90, Severity: models.SeverityCritical},
		{MetricType: models.MetricDisk, Comparator: ">", Value: 80, Severity: models.SeverityWarning},
		{MetricType: models.MetricDisk, Comparator: ">", Value: 95, Severity: models.SeverityCritical},
		{MetricType: models.MetricBandwidth, Comparator: ">", Value: 70, Severity: models.SeverityWarning},
		{MetricType: models.MetricBandwidth, Comparator: ">", Value: 85, Severity: models.SeverityCritical},
	}
}

// RulesFromConfig converts configured thresholds, falling back to DefaultRules
func RulesFromConfig(cfg []config.ThresholdConfig) []Rule {
	if len(cfg) == 0 {
		return DefaultRules()
	}
	rules := make([]Rule, 0, len(cfg))
	for _, t := range cfg {
		rules = append(rules, Rule{
			MetricType: models.MetricType(t.MetricType),
			Comparator: t.Comparator,
			Value:      t.Value,
			Severity:   models.Severity(strings.ToLower(t.Severity)),
		})
	}
	return rules
}

// Evaluator maps metric types to their threshold rules. It holds no state
// beyond the rule table and is safe for concurrent use.
type Evaluator struct {
	rules map[models.MetricType][]Rule
}

// New validates rules and builds an evaluator
func New(rules []Rule) (*Evaluator, error) {
	e := &Evaluator{rules: make(map[models.MetricType][]Rule)}
	for i, r := range rules {
		if err := validation.Struct(r); err != nil {
			return nil, fmt.Errorf("threshold rule %d: %w", i, err)
		}
		e.rules[r.MetricType] = append(e.rules[r.MetricType], r)
	}
	return e, nil
}

// Rules returns the rules configured for a metric type in configuration order
func (e *Evaluator) Rules(t models.MetricType) []Rule {
	return append([]Rule(nil), e.rules[t]...)
}

// Evaluate returns at most one candidate per metric: the highest severity
// among the breached rules, the first configured winning a tie.
func (e *Evaluator) Evaluate(m models.Metric) (*models.AlertCandidate, bool) {
	var hit *Rule
	for i := range e.rules[m.MetricType] {
		r := &e.rules[m.MetricType][i]
		if !r.Breached(m.Value) {
			continue
		}
		if hit == nil || r.Severity.Rank() > hit.Severity.Rank() {
			hit = r
		}
	}
	if hit == nil {
		return nil, false
	}
	return &models.AlertCandidate{
		Source:     m.Source,
		Type:       m.MetricType,
		Severity:   hit.Severity,
		Value:      m.Value,
		Threshold:  hit.Value,
		Comparator: hit.Comparator,
		Unit:       m.Unit,
		Message:    message(m, *hit),
		ObservedAt: m.Timestamp,
	}, true
}

// message renders e.g. "CPU usage is 95% (critical threshold: 85%)"
func message(m models.Metric, r Rule) string {
	return fmt.Sprintf("%s usage is %s%s (%s threshold: %s%s)",
		label(m.MetricType), num(m.Value), m.Unit, r.Severity, num(r.Value), m.Unit)
}

func label(t models.MetricType) string {
	if t == models.MetricCPU {
		return "CPU"
	}
	s := string(t)
	if s == "" {
		return "Metric"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
