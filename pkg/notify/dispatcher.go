package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
)

// Options configure the dispatcher
type Options struct {
	From          string
	AdminEmail    string
	QueueSize     int
	RatePerSecond float64
	Burst         int
	SendTimeout   time.Duration
}

// OptionsFromConfig maps the smtp and notify config sections
func OptionsFromConfig(smtpCfg config.SMTPConfig, cfg config.NotifyConfig) Options {
	return Options{
		From:          smtpCfg.From,
		AdminEmail:    smtpCfg.AdminEmail,
		QueueSize:     cfg.QueueSize,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		SendTimeout:   cfg.SendTimeout,
	}
}

// Job is a queued digest
type Job struct {
	ID        string
	Recipient string
	Alerts    []models.Alert
	Enqueued  time.Time
}

// Dispatcher renders and sends alert digests. Synchronous sends go straight
// to the Sender; the poller hands work to Enqueue and never waits on mail.
type Dispatcher struct {
	sender  Sender
	opts    Options
	queue   chan Job
	limiter *rate.Limiter
	now     func() time.Time

	startOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher; call Start to begin draining the queue
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		opts:    opts,
		queue:   make(chan Job, opts.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

var errAdminUnset = fmt.Errorf("%w: admin email not configured", ErrNoRecipient)

// AdminEmail is the configured admin recipient
func (d *Dispatcher) AdminEmail() string {
	return d.opts.AdminEmail
}

// NotifyBatch renders one digest for alerts and sends it once. Failures come
// back as *DeliveryError and are not retried.
func (d *Dispatcher) NotifyBatch(ctx context.Context, recipient string, alerts []models.Alert) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ErrNoRecipient
	}
	digest, err := RenderDigest(alerts, d.now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	msg := Message{From: d.opts.From, To: []string{recipient}, Subject: digest.Subject, HTML: digest.HTML}
	if err := d.sender.Send(ctx, msg); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	logrus.Infof("Sent alert digest with %d alert(s) to %s", len(alerts), recipient)
	return nil
}

// NotifyAdmin sends a single alert to the admin address
func (d *Dispatcher) NotifyAdmin(ctx context.Context, alert models.Alert) error {
	if d.opts.AdminEmail == "" {
		return errAdminUnset
	}
	return d.NotifyBatch(ctx, d.opts.AdminEmail, []models.Alert{alert})
}

// Enqueue hands a digest to the background worker without blocking
func (d *Dispatcher) Enqueue(recipient string, alerts []models.Alert) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", ErrNoRecipient
	}
	if len(alerts) == 0 {
		return "", ErrNoAlerts
	}
	job := Job{ID: uuid.NewString(), Recipient: recipient, Alerts: alerts, Enqueued: d.now()}
	select {
	case d.queue <- job:
		metrics.Notifications.WithLabelValues("queued").Inc()
		return job.ID, nil
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return "", ErrQueueFull
	}
}

// EnqueueAdmin queues a single-alert digest for the admin address
func (d *Dispatcher) EnqueueAdmin(alert models.Alert) (string, error) {
	if d.opts.AdminEmail == "" {
		return "", errAdminUnset
	}
	return d.Enqueue(d.opts.AdminEmail, []models.Alert{alert})
}

// Start launches the queue worker. It stops when ctx is done; queued jobs
// left at that point are dropped with a log line.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

// Done is closed once the worker has exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	logrus.Info("Notification worker started")
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				logrus.Warnf("Notification worker stopping with %d queued digest(s) unsent", n)
			}
			logrus.Info("Notification worker stopped")
			return
		case job := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				logrus.Warnf("Dropping notification %s: %v", job.ID, err)
				continue
			}
			if err := d.NotifyBatch(ctx, job.Recipient, job.Alerts); err != nil {
				logrus.WithField("job_id", job.ID).Errorf("Notification failed: %v", err)
			}
		}
	}
}
