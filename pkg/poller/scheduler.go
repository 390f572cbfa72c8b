package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/history"
	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/normalize"
	"github.com/timeplus-io/fw-alert-gateway/pkg/services"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

// A source is stale after this many intervals without a successful poll
const staleIntervals = 3

// Source is one registered firewall
type Source struct {
	Name          string            `json:"name"`
	Vendor        vendors.Vendor    `json:"vendor"`
	Hostname      string            `json:"hostname"`
	CredentialRef string            `json:"-"`
	Params        map[string]string `json:"-"`
}

// SourcesFromConfig builds the registry, ordered by vendor then name
func SourcesFromConfig(cfg []config.SourceConfig) ([]Source, error) {
	out := make([]Source, 0, len(cfg))
	seen := make(map[string]bool)
	for _, sc := range cfg {
		v, err := vendors.ParseVendor(sc.Vendor)
		if err != nil {
			return nil, err
		}
		name := sc.Name
		if name == "" {
			name = sc.Hostname
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate source name %q", name)
		}
		seen[name] = true
		out = append(out, Source{Name: name, Vendor: v, Hostname: sc.Hostname, CredentialRef: sc.CredentialRef, Params: sc.Params})
	}
	sortSources(out)
	return out, nil
}

func sortSources(s []Source) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Vendor != s[j].Vendor {
			return s[i].Vendor < s[j].Vendor
		}
		return s[i].Name < s[j].Name
	})
}

// Options tune the loop
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Workers      int
}

// OptionsFromConfig maps the poller config section
func OptionsFromConfig(cfg config.PollerConfig) Options {
	return Options{Interval: cfg.Interval, FetchTimeout: cfg.FetchTimeout, Workers: cfg.Workers}
}

// Evaluator turns a metric into at most one alert candidate
type Evaluator interface {
	Evaluate(m models.Metric) (*models.AlertCandidate, bool)
}

// Raiser materializes alert candidates
type Raiser interface {
	Raise(ctx context.Context, c models.AlertCandidate) (*models.Alert, services.RaiseOutcome, error)
}

// Notifier queues admin notifications without blocking
type Notifier interface {
	EnqueueAdmin(alert models.Alert) (string, error)
}

// Deps are the collaborators a scheduler drives
type Deps struct {
	Adapters    map[vendors.Vendor]vendors.Adapter
	Normalizer  *normalize.Normalizer
	History     history.Store
	Evaluator   Evaluator
	Alerts      Raiser
	Notifier    Notifier
	Credentials CredentialStore
	Clock       Clock
}

// SourceStatus is the freshness view of one source. Staleness follows fetch
// and store success; LastAlertError reports raise failures separately.
type SourceStatus struct {
	Name           string         `json:"name"`
	Vendor         vendors.Vendor `json:"vendor"`
	Hostname       string         `json:"hostname"`
	LastAttempt    *time.Time     `json:"last_attempt,omitempty"`
	LastSuccess    *time.Time     `json:"last_success,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	LastAlertError string         `json:"last_alert_error,omitempty"`
	Stale          bool           `json:"stale"`
}

// SourceResult is what one source contributed to a cycle
type SourceResult struct {
	Source             string
	Vendor             vendors.Vendor
	Stage              string
	Err                error
	AlertErr           error
	Metrics            int
	Interfaces         int
	Flows              int
	NormalizationFails int
	Alerts             int
}

// CycleReport summarizes one poll cycle
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Results  []SourceResult
}

// Failed counts sources that did not complete
func (r CycleReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Scheduler is the polling control loop
type Scheduler struct {
	opts    Options
	sources []Source
	deps    Deps

	stopOnce sync.Once
	stopCh   chan struct{}

	mu     sync.Mutex
	status map[string]*SourceStatus
}

// New validates dependencies and builds a scheduler over a fixed registry
func New(opts Options, sources []Source, deps Deps) (*Scheduler, error) {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New()
	}
	switch {
	case deps.Adapters == nil:
		return nil, errors.New("poller: adapters are required")
	case deps.History == nil:
		return nil, errors.New("poller: history store is required")
	case deps.Evaluator == nil:
		return nil, errors.New("poller: evaluator is required")
	case deps.Alerts == nil:
		return nil, errors.New("poller: alert service is required")
	case deps.Credentials == nil:
		return nil, errors.New("poller: credential store is required")
	}

	registry := append([]Source(nil), sources...)
	sortSources(registry)
	status := make(map[string]*SourceStatus, len(registry))
	for _, s := range registry {
		status[s.Name] = &SourceStatus{Name: s.Name, Vendor: s.Vendor, Hostname: s.Hostname}
	}
	return &Scheduler{
		opts:    opts,
		sources: registry,
		deps:    deps,
		stopCh:  make(chan struct{}),
		status:  status,
	}, nil
}

// Sources returns the registry
func (s *Scheduler) Sources() []Source {
	return append([]Source(nil), s.sources...)
}

// Stop asks Run to return before its next wait. A cycle in progress completes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls immediately and then on every tick until ctx is done or Stop is called
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.deps.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	logrus.Infof("Poller started: %d source(s), interval %s, %d worker(s)", len(s.sources), s.opts.Interval, s.opts.Workers)

	for {
		if s.stopped(ctx) {
			break
		}
		s.PollOnce(ctx)
		if s.stopped(ctx) {
			break
		}
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-ticker.C():
		}
	}
	logrus.Info("Poller stopped")
}

// PollOnce runs one cycle over every source. Per-source failures are
// recorded in the report and never returned.
func (s *Scheduler) PollOnce(ctx context.Context) CycleReport {
	report := CycleReport{ID: uuid.NewString(), Started: s.deps.Clock.Now()}
	report.Results = make([]SourceResult, len(s.sources))

	// in-flight work outlives Stop and shutdown; fetches are bounded by their own timeout
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, src := range s.sources {
		g.Go(func() error {
			report.Results[i] = s.pollSource(base, report.ID, src)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.deps.Clock.Now().Sub(report.Started)
	logrus.WithField("cycle", report.ID).Infof("Poll cycle finished: %d source(s), %d failed, took %s",
		len(report.Results), report.Failed(), report.Duration)
	return report
}

func (s *Scheduler) pollSource(ctx context.Context, cycleID string, src Source) (res SourceResult) {
	res = SourceResult{Source: src.Name, Vendor: src.Vendor}
	started := s.deps.Clock.Now()
	log := logrus.WithFields(logrus.Fields{"cycle": cycleID, "vendor": src.Vendor, "source": src.Name})

	defer func() {
		if r := recover(); r != nil {
			res.Stage, res.Err = "panic", fmt.Errorf("panic: %v", r)
		}
		outcome := "success"
		switch {
		case res.Err != nil:
			outcome = res.Stage + "_error"
			log.WithField("stage", res.Stage).Warnf("Poll failed: %v", res.Err)
		case res.AlertErr != nil:
			outcome = "alert_error"
		}
		metrics.PollTotal.WithLabelValues(string(src.Vendor), outcome).Inc()
		metrics.PollDuration.WithLabelValues(string(src.Vendor)).Observe(s.deps.Clock.Now().Sub(started).Seconds())
		s.record(src.Name, started, res.Err, res.AlertErr)
	}()

	fail := func(stage string, err error) SourceResult {
		res.Stage, res.Err = stage, err
		return res
	}

	creds, err := s.deps.Credentials.Lookup(ctx, src.CredentialRef)
	if err != nil {
		return fail("credentials", err)
	}
	adapter, ok := s.deps.Adapters[src.Vendor]
	if !ok {
		return fail("fetch", fmt.Errorf("no adapter for vendor %s", src.Vendor))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	payload, err := adapter.Fetch(fetchCtx, vendors.Target{
		Vendor:      src.Vendor,
		Hostname:    src.Hostname,
		Credentials: creds,
		Params:      src.Params,
	})
	cancel()
	if err != nil {
		return fail("fetch", err)
	}

	batch := s.deps.Normalizer.Normalize(payload)
	res.NormalizationFails = len(batch.Errors)
	if n := len(batch.Errors); n > 0 {
		metrics.NormalizationErrors.WithLabelValues(string(src.Vendor)).Add(float64(n))
		for _, nerr := range batch.Errors {
			log.WithField("stage", "normalize").Debug(nerr)
		}
	}

	if err := s.deps.History.AppendMetrics(ctx, batch.Metrics); err != nil {
		return fail("store", err)
	}
	res.Metrics = len(batch.Metrics)
	metrics.SamplesTotal.WithLabelValues("metric").Add(float64(len(batch.Metrics)))
	if err := s.deps.History.AppendInterfaceStats(ctx, batch.Interfaces); err != nil {
		return fail("store", err)
	}
	res.Interfaces = len(batch.Interfaces)
	metrics.SamplesTotal.WithLabelValues("interface").Add(float64(len(batch.Interfaces)))
	if err := s.deps.History.AppendFlows(ctx, batch.Flows); err != nil {
		return fail("store", err)
	}
	res.Flows = len(batch.Flows)
	metrics.SamplesTotal.WithLabelValues("flow").Add(float64(len(batch.Flows)))

	for _, m := range batch.Metrics {
		cand, breached := s.deps.Evaluator.Evaluate(m)
		if !breached {
			continue
		}
		alert, outcome, err := s.deps.Alerts.Raise(ctx, *cand)
		if err != nil {
			// keep evaluating the rest of the batch
			res.AlertErr = err
			log.WithField("stage", "alert").Errorf("Failed to raise alert: %v", err)
			continue
		}
		if !outcome.Notify() {
			continue
		}
		res.Alerts++
		if s.deps.Notifier == nil {
			continue
		}
		if _, err := s.deps.Notifier.EnqueueAdmin(*alert); err != nil {
			log.WithField("stage", "notify").Warnf("Could not queue notification for alert %d: %v", alert.ID, err)
		}
	}
	return res
}

func (s *Scheduler) record(name string, at time.Time, err, alertErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		return
	}
	attempt := at
	st.LastAttempt = &attempt
	if err != nil {
		st.LastError = err.Error()
		return
	}
	st.LastSuccess = &attempt
	st.LastError = ""
	st.LastAlertError = ""
	if alertErr != nil {
		st.LastAlertError = alertErr.Error()
	}
}

// Status reports per-source freshness. A source that has not succeeded within
// three intervals is stale.
func (s *Scheduler) Status() []SourceStatus {
	now := s.deps.Clock.Now()
	window := time.Duration(staleIntervals) * s.opts.Interval

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceStatus, 0, len(s.sources))
	for _, src := range s.sources {
		st := *s.status[src.Name]
		st.Stale = st.LastSuccess == nil || now.Sub(*st.LastSuccess) > window
		out = append(out, st)
	}
	return out
}
