package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

func TestRuleBreached(t *testing.T) {
	cases := []struct {
		v, th float64
		op    string
		want  bool
	}{
		{91, 90, ">", true},
		{90, 90, ">", false},
		{90, 90, ">=", true},
		{89, 90, "<", true},
		{90, 90, "<=", true},
		{90, 90, "==", true},
		{89, 90, "==", false},
	}
	for _, tc := range cases {
		r := Rule{Comparator: tc.op, Value: tc.th}
		assert.Equal(t, tc.want, r.Breached(tc.v), "%v %s %v", tc.v, tc.op, tc.th)
	}
}

func TestEvaluateHighestSeverityWins(t *testing.T) {
	e, err := New(DefaultRules())
	require.NoError(t, err)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	c, ok := e.Evaluate(models.Metric{Source: "10.0.0.5", MetricType: models.MetricCPU, Value: 95, Unit: "%", Timestamp: ts})
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, c.Severity)
	assert.Equal(t, 85.0, c.Threshold)
	assert.Equal(t, "10.0.0.5", c.Source)
	assert.Equal(t, ts, c.ObservedAt)
	assert.Equal(t, "CPU usage is 95% (critical threshold: 85%)", c.Message)

	c, ok = e.Evaluate(models.Metric{Source: "fw", MetricType: models.MetricDisk, Value: 81, Unit: "%"})
	require.True(t, ok)
	assert.Equal(t, models.SeverityWarning, c.Severity)

	_, ok = e.Evaluate(models.Metric{Source: "fw", MetricType: models.MetricCPU, Value: 70})
	assert.False(t, ok, "equal to a strict threshold is not a breach")

	_, ok = e.Evaluate(models.Metric{Source: "fw", MetricType: models.MetricSessions, Value: 1e9})
	assert.False(t, ok, "no rules for the type")
}

func TestEvaluateScenarioThreshold90(t *testing.T) {
	e, err := New([]Rule{
		{MetricType: models.MetricCPU, Comparator: ">", Value: 90, Severity: models.SeverityCritical},
	})
	require.NoError(t, err)

	c, ok := e.Evaluate(models.Metric{Source: "10.0.0.5", MetricType: models.MetricCPU, Value: 95})
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, c.Severity)
	assert.Equal(t, 90.0, c.Threshold)
	assert.Equal(t, 95.0, c.Value)
}

func TestEvaluateTieKeepsFirstRule(t *testing.T) {
	e, err := New([]Rule{
		{MetricType: models.MetricTemperature, Comparator: ">", Value: 60, Severity: models.SeverityWarning},
		{MetricType: models.MetricTemperature, Comparator: ">=", Value: 50, Severity: models.SeverityWarning},
	})
	require.NoError(t, err)

	c, ok := e.Evaluate(models.Metric{Source: "fw", MetricType: models.MetricTemperature, Value: 70, Unit: "C"})
	require.True(t, ok)
	assert.Equal(t, 60.0, c.Threshold)
	assert.Equal(t, ">", c.Comparator)
	assert.Equal(t, "Temperature usage is 70C (warning threshold: 60C)", c.Message)
}

func TestNewRejectsInvalidRules(t *testing.T) {
	_, err := New([]Rule{{MetricType: models.MetricCPU, Comparator: "~", Value: 1, Severity: models.SeverityInfo}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comparator")

	_, err = New([]Rule{{MetricType: models.MetricCPU, Comparator: ">", Value: 1, Severity: "urgent"}})
	require.Error(t, err)
}

func TestRulesFromConfig(t *testing.T) {
	assert.Equal(t, DefaultRules(), RulesFromConfig(nil))

	rules := RulesFromConfig([]config.ThresholdConfig{
		{MetricType: "sessions", Comparator: ">=", Value: 10000, Severity: "Warning"},
	})
	require.Len(t, rules, 1)
	assert.Equal(t, models.SeverityWarning, rules[0].Severity)
	assert.Equal(t, models.MetricSessions, rules[0].MetricType)
}
