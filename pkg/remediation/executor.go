package remediation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
)

var (
	ErrInvalidServiceKey = errors.New("invalid service key")
	ErrInvalidAddress    = errors.New("invalid address")
)

// CommandError carries the combined output of a failed OS command
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v: %s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Action names a remediation
type Action string

const (
	ActionRestartService Action = "restart-service"
	ActionBlockTraffic   Action = "block-traffic"
)

// Result describes a completed remediation
type Result struct {
	Action   Action        `json:"action"`
	Target   string        `json:"target"`
	Command  string        `json:"command"`
	Output   string        `json:"output"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}

// Runner executes one OS command and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host
type ExecRunner struct{}

// Run executes name with args and captures stdout and stderr together
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// DefaultServices maps the logical service keys to systemd units
func DefaultServices() map[string]string {
	return map[string]string{
		"cpu":       "cpu-monitor",
		"memory":    "memory-monitor",
		"disk":      "disk-monitor",
		"bandwidth": "bandwidth-monitor",
	}
}

// Executor performs operator-triggered remediation. It is never called by the evaluator.
type Executor struct {
	runner   Runner
	services map[string]string
	timeout  time.Duration
}

// NewExecutor builds an executor. overrides may change the unit behind a key
// but never add keys.
func NewExecutor(runner Runner, overrides map[string]string, timeout time.Duration) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	services := DefaultServices()
	for k, v := range overrides {
		k = strings.ToLower(k)
		if _, ok := services[k]; !ok {
			logrus.Warnf("Ignoring remediation service override for unknown key %q", k)
			continue
		}
		if v != "" {
			services[k] = v
		}
	}
	return &Executor{runner: runner, services: services, timeout: timeout}
}

// ServiceKeys lists the accepted service keys
func (e *Executor) ServiceKeys() []string {
	keys := make([]string, 0, len(e.services))
	for k := range e.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RestartService restarts the unit mapped to key
func (e *Executor) RestartService(ctx context.Context, key, actor string) (Result, error) {
	unit, ok := e.services[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		e.audit(actor, ActionRestartService, key, "rejected", nil)
		return Result{Action: ActionRestartService, Target: key},
			fmt.Errorf("%w: %q (expected one of %s)", ErrInvalidServiceKey, key, strings.Join(e.ServiceKeys(), ", "))
	}
	return e.run(ctx, actor, ActionRestartService, unit, "systemctl", "restart", unit)
}

// BlockTraffic installs a DROP rule for an address or prefix
func (e *Executor) BlockTraffic(ctx context.Context, source, actor string) (Result, error) {
	target, err := canonicalAddress(source)
	if err != nil {
		e.audit(actor, ActionBlockTraffic, source, "rejected", nil)
		return Result{Action: ActionBlockTraffic, Target: source}, err
	}
	return e.run(ctx, actor, ActionBlockTraffic, target, "iptables", "-A", "INPUT", "-s", target, "-j", "DROP")
}

func canonicalAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), nil
	}
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked().String(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

func (e *Executor) run(ctx context.Context, actor string, action Action, target, name string, args ...string) (Result, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	command := name + " " + strings.Join(args, " ")
	start := time.Now()
	output, err := e.runner.Run(cmdCtx, name, args...)
	res := Result{
		Action:   action,
		Target:   target,
		Command:  command,
		Output:   output,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
		}
		e.audit(actor, action, target, "failed", err)
		return res, &CommandError{Command: command, Output: output, Err: err}
	}
	e.audit(actor, action, target, "succeeded", nil)
	return res, nil
}

func (e *Executor) audit(actor string, action Action, target, outcome string, err error) {
	metrics.Remediations.WithLabelValues(string(action), outcome).Inc()
	entry := logrus.WithFields(logrus.Fields{
		"actor":   actor,
		"action":  action,
		"target":  target,
		"outcome": outcome,
	})
	if err != nil {
		entry.Errorf("Remediation failed: %v", err)
		return
	}
	entry.Info("Remediation " + outcome)
}
