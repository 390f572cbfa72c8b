package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/evaluator"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/services"
	"github.com/timeplus-io/fw-alert-gateway/pkg/store"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

type manualTicker struct{ ch chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ticker: &manualTicker{ch: make(chan time.Time, 1)},
	}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) NewTicker(time.Duration) Ticker { return c.ticker }

func (c *manualClock) Tick() { c.ticker.ch <- c.Now() }

// fakeAdapter serves Palo Alto system payloads keyed by hostname
type fakeAdapter struct {
	mu     sync.Mutex
	cpu    map[string]float64
	fail   map[string]error
	hang   map[string]bool
	calls  map[string]int
	tokens map[string]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		cpu:    map[string]float64{},
		fail:   map[string]error{},
		hang:   map[string]bool{},
		calls:  map[string]int{},
		tokens: map[string]string{},
	}
}

func (f *fakeAdapter) Fetch(ctx context.Context, target vendors.Target) (*vendors.RawPayload, error) {
	f.mu.Lock()
	f.calls[target.Hostname]++
	f.tokens[target.Hostname] = target.Credentials.Token
	err, hang, cpu := f.fail[target.Hostname], f.hang[target.Hostname], f.cpu[target.Hostname]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"response":{"status":"success","result":{"system":{"cpu-load":"%v","memory-usage":"40"}}}}`, cpu)
	return &vendors.RawPayload{
		Vendor:      target.Vendor,
		Hostname:    target.Hostname,
		CollectedAt: time.Now().UTC(),
		Sections:    map[vendors.Section][]byte{vendors.SectionSystem: []byte(body)},
	}, nil
}

func (f *fakeAdapter) Calls(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (n *fakeNotifier) EnqueueAdmin(a models.Alert) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return fmt.Sprintf("job-%d", len(n.alerts)), nil
}

func (n *fakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	sched    *Scheduler
	adapter  *fakeAdapter
	notifier *fakeNotifier
	clock    *manualClock
	history  *store.HistoryStore
	alerts   *services.AlertService
}

func newHarness(t *testing.T, opts Options, hosts ...string) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "poller.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	eval, err := evaluator.New([]evaluator.Rule{
		{MetricType: models.MetricCPU, Comparator: ">", Value: 90, Severity: models.SeverityCritical},
	})
	require.NoError(t, err)

	h := &harness{
		adapter:  newFakeAdapter(),
		notifier: &fakeNotifier{},
		clock:    newManualClock(),
		history:  store.NewHistoryStore(db),
		alerts:   services.NewAlertService(store.NewAlertRepository(db), services.Options{}),
	}

	var sources []Source
	for _, host := range hosts {
		sources = append(sources, Source{Name: host, Vendor: vendors.PaloAlto, Hostname: host, CredentialRef: "pa"})
		h.adapter.cpu[host] = 20
	}
	h.sched, err = New(opts, sources, Deps{
		Adapters:    map[vendors.Vendor]vendors.Adapter{vendors.PaloAlto: h.adapter},
		History:     h.history,
		Evaluator:   eval,
		Alerts:      h.alerts,
		Notifier:    h.notifier,
		Credentials: StaticCredentials{"pa": {Token: "secret"}},
		Clock:       h.clock,
	})
	require.NoError(t, err)
	return h
}

func TestSourcesFromConfig(t *testing.T) {
	sources, err := SourcesFromConfig([]config.SourceConfig{
		{Name: "b", Vendor: "unifi", Hostname: "udm", CredentialRef: "u"},
		{Vendor: "Fortigate", Hostname: "fg2", CredentialRef: "f"},
		{Name: "a", Vendor: "fortigate", Hostname: "fg1", CredentialRef: "f"},
	})
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, "a", sources[0].Name)
	assert.Equal(t, "fg2", sources[1].Name, "name defaults to hostname")
	assert.Equal(t, vendors.UniFi, sources[2].Vendor)

	_, err = SourcesFromConfig([]config.SourceConfig{{Vendor: "checkpoint", Hostname: "x"}})
	assert.Error(t, err)

	_, err = SourcesFromConfig([]config.SourceConfig{
		{Vendor: "unifi", Hostname: "x"},
		{Vendor: "fortigate", Hostname: "x"},
	})
	assert.Error(t, err)
}

func TestUnavailableSourceDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Options{Workers: 2}, "x", "y", "z")
	h.adapter.fail["x"] = errors.New("dial tcp: connection refused")

	report := h.sched.PollOnce(context.Background())
	require.Len(t, report.Results, 3)
	assert.Equal(t, 1, report.Failed())
	assert.NotEmpty(t, report.ID)

	for _, host := range []string{"y", "z"} {
		got, err := h.history.QueryMetrics(context.Background(), models.MetricFilter{Source: host})
		require.NoError(t, err)
		assert.Len(t, got, 2, host)
	}
	got, err := h.history.QueryMetrics(context.Background(), models.MetricFilter{Source: "x"})
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, res := range report.Results {
		if res.Source == "x" {
			assert.Equal(t, "fetch", res.Stage)
			assert.Error(t, res.Err)
		}
	}
	assert.Equal(t, "secret", h.adapter.tokens["y"])
}

func TestBreachRaisesOneAlertAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, Options{}, "fw1")
	h.adapter.cpu["fw1"] = 95

	h.sched.PollOnce(context.Background())
	h.sched.PollOnce(context.Background())

	alerts, err := h.alerts.ListAlerts(context.Background(), models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "fw1", alerts[0].Source)
	assert.Equal(t, 95.0, alerts[0].Value)
	assert.Equal(t, 90.0, alerts[0].Threshold)

	assert.Equal(t, 1, h.notifier.Count(), "a refreshed alert is not re-notified")
}

func TestFetchTimeoutIsolated(t *testing.T) {
	h := newHarness(t, Options{FetchTimeout: 50 * time.Millisecond}, "slow", "fast")
	h.adapter.hang["slow"] = true

	report := h.sched.PollOnce(context.Background())
	assert.Equal(t, 1, report.Failed())
	for _, res := range report.Results {
		if res.Source == "slow" {
			assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		} else {
			assert.NoError(t, res.Err)
			assert.Equal(t, 2, res.Metrics)
		}
	}
}

func TestUnknownCredentialFailsSource(t *testing.T) {
	h := newHarness(t, Options{}, "fw1")
	h.sched.sources[0].CredentialRef = "missing"

	report := h.sched.PollOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, "credentials", report.Results[0].Stage)
	assert.ErrorIs(t, report.Results[0].Err, ErrUnknownCredential)
	assert.Zero(t, h.adapter.Calls("fw1"))
}

func TestStopBeforeRunSkipsPolling(t *testing.T) {
	h := newHarness(t, Options{}, "fw1")
	h.sched.Stop()
	h.sched.Stop()

	h.sched.Run(context.Background())
	assert.Zero(t, h.adapter.Calls("fw1"))
}

func TestRunPollsOnEveryTick(t *testing.T) {
	h := newHarness(t, Options{}, "fw1")

	done := make(chan struct{})
	go func() {
		h.sched.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return h.adapter.Calls("fw1") == 1 }, 2*time.Second, 5*time.Millisecond)
	h.clock.Tick()
	require.Eventually(t, func() bool { return h.adapter.Calls("fw1") == 2 }, 2*time.Second, 5*time.Millisecond)

	h.sched.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 2, h.adapter.Calls("fw1"))
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	h := newHarness(t, Options{}, "fw1")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.adapter.Calls("fw1") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusStaleness(t *testing.T) {
	h := newHarness(t, Options{Interval: time.Minute}, "ok", "down")
	h.adapter.fail["down"] = errors.New("503 Service Unavailable")

	before := h.sched.Status()
	require.Len(t, before, 2)
	for _, st := range before {
		assert.True(t, st.Stale, "never polled")
		assert.Nil(t, st.LastAttempt)
	}

	h.sched.PollOnce(context.Background())
	byName := func() map[string]SourceStatus {
		out := map[string]SourceStatus{}
		for _, st := range h.sched.Status() {
			out[st.Name] = st
		}
		return out
	}

	st := byName()
	assert.False(t, st["ok"].Stale)
	require.NotNil(t, st["ok"].LastSuccess)
	assert.True(t, st["down"].Stale)
	require.NotNil(t, st["down"].LastAttempt)
	assert.Contains(t, st["down"].LastError, "503")

	h.clock.Advance(3 * time.Minute)
	assert.False(t, byName()["ok"].Stale, "exactly three intervals is still fresh")
	h.clock.Advance(time.Second)
	assert.True(t, byName()["ok"].Stale)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{}, nil, Deps{})
	assert.Error(t, err)
}

type failingRaiser struct{}

func (failingRaiser) Raise(context.Context, models.AlertCandidate) (*models.Alert, services.RaiseOutcome, error) {
	return nil, "", errors.New("database is locked")
}

func TestRaiseFailureKeepsSourceFresh(t *testing.T) {
	h := newHarness(t, Options{Interval: time.Minute}, "fw1")
	h.adapter.cpu["fw1"] = 95
	h.sched.deps.Alerts = failingRaiser{}

	report := h.sched.PollOnce(context.Background())
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Zero(t, report.Failed())
	assert.NoError(t, res.Err)
	assert.Error(t, res.AlertErr)
	assert.Equal(t, 2, res.Metrics, "telemetry is still stored")

	st := h.sched.Status()
	require.Len(t, st, 1)
	assert.False(t, st[0].Stale)
	require.NotNil(t, st[0].LastSuccess)
	assert.Empty(t, st[0].LastError)
	assert.Contains(t, st[0].LastAlertError, "database is locked")
	assert.Zero(t, h.notifier.Count())
}
