package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var digestNow = time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)

func TestRenderDigestOrdersBySeverity(t *testing.T) {
	d, err := RenderDigest([]models.Alert{
		{Type: models.MetricDisk, Severity: models.SeverityInfo, Message: "disk note"},
		{Type: models.MetricCPU, Severity: models.SeverityCritical, Message: "cpu hot", Source: "10.0.0.5",
			CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{Type: models.MetricMemory, Severity: models.SeverityWarning, Message: "memory <high>"},
	}, digestNow)
	require.NoError(t, err)

	assert.Equal(t, "Network Monitoring Alerts - 2024-05-01 12:30:15", d.Subject)
	assert.Contains(t, d.HTML, "CPU Alert - CRITICAL")
	assert.Contains(t, d.HTML, "MEMORY Alert - WARNING")
	assert.Contains(t, d.HTML, "DISK Alert - INFO")
	assert.Contains(t, d.HTML, "#d32f2f")
	assert.Contains(t, d.HTML, "Time: 2024-05-01 12:00:00")
	assert.Contains(t, d.HTML, "memory &lt;high&gt;", "messages are escaped")

	crit := strings.Index(d.HTML, "CPU Alert")
	warn := strings.Index(d.HTML, "MEMORY Alert")
	info := strings.Index(d.HTML, "DISK Alert")
	assert.True(t, crit < warn && warn < info, "critical first, then warning, then info")
}

func TestRenderDigestEmpty(t *testing.T) {
	_, err := RenderDigest(nil, digestNow)
	assert.ErrorIs(t, err, ErrNoAlerts)
}

func TestNotifyBatchSendsOnce(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, Options{From: "noc@example.com"})
	d.now = func() time.Time { return digestNow }

	err := d.NotifyBatch(context.Background(), "ops@example.com", []models.Alert{
		{Type: models.MetricCPU, Severity: models.SeverityCritical, Message: "a"},
		{Type: models.MetricDisk, Severity: models.SeverityWarning, Message: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, []string{"ops@example.com"}, sender.sent[0].To)
	assert.Equal(t, "noc@example.com", sender.sent[0].From)
}

func TestNotifyBatchDeliveryError(t *testing.T) {
	sender := &fakeSender{err: errors.New("535 auth failed")}
	d := NewDispatcher(sender, Options{})

	err := d.NotifyBatch(context.Background(), "ops@example.com", []models.Alert{{Type: models.MetricCPU, Severity: models.SeverityInfo}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "ops@example.com", de.Recipient)

	assert.ErrorIs(t, d.NotifyBatch(context.Background(), " ", []models.Alert{{}}), ErrNoRecipient)
	assert.ErrorIs(t, d.NotifyBatch(context.Background(), "ops@example.com", nil), ErrNoAlerts)
}

func TestNotifyAdmin(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, Options{AdminEmail: "admin@example.com"})

	require.NoError(t, d.NotifyAdmin(context.Background(), models.Alert{Type: models.MetricCPU, Severity: models.SeverityCritical}))
	require.Equal(t, 1, sender.count())
	assert.Equal(t, []string{"admin@example.com"}, sender.sent[0].To)

	noAdmin := NewDispatcher(sender, Options{})
	assert.Error(t, noAdmin.NotifyAdmin(context.Background(), models.Alert{}))
}

func TestEnqueueNeverBlocks(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, Options{QueueSize: 2})
	alerts := []models.Alert{{Type: models.MetricCPU, Severity: models.SeverityCritical}}

	id, err := d.Enqueue("a@example.com", alerts)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = d.Enqueue("a@example.com", alerts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Enqueue("a@example.com", alerts)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	_, err = d.Enqueue("", alerts)
	assert.ErrorIs(t, err, ErrNoRecipient)
	_, err = d.Enqueue("a@example.com", nil)
	assert.ErrorIs(t, err, ErrNoAlerts)
}

func TestWorkerDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, Options{AdminEmail: "admin@example.com", RatePerSecond: 1000, Burst: 10})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for i := 0; i < 3; i++ {
		_, err := d.EnqueueAdmin(models.Alert{Type: models.MetricCPU, Severity: models.SeverityWarning})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSlowSenderDoesNotBlockEnqueue(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	d := NewDispatcher(sender, Options{QueueSize: 10, RatePerSecond: 1000, Burst: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	alerts := []models.Alert{{Type: models.MetricCPU, Severity: models.SeverityCritical}}
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := d.Enqueue("ops@example.com", alerts)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	close(sender.block)
	assert.Eventually(t, func() bool { return sender.count() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageBytes(t *testing.T) {
	b := string(Message{From: "a@x", To: []string{"b@x", "c@x"}, Subject: "Hi", HTML: "<p>x</p>\n"}.Bytes())
	assert.Contains(t, b, "To: b@x, c@x\r\n")
	assert.Contains(t, b, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(b, "<p>x</p>\r\n"))
}
