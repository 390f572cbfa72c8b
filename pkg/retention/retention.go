package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
)

// Purger deletes history written before a cutoff
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Job purges history older than MaxAge on a cron schedule
type Job struct {
	purger   Purger
	maxAge   time.Duration
	schedule cron.Schedule
	spec     string
	cron     *cron.Cron
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New parses the schedule. Accepts five-field expressions and descriptors such as @daily.
func New(purger Purger, cfg config.RetentionConfig) (*Job, error) {
	if purger == nil {
		return nil, errors.New("retention: purger is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("retention: maxAge must be positive")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@daily"
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", spec, err)
	}
	return &Job{purger: purger, maxAge: cfg.MaxAge, schedule: sched, spec: spec, now: time.Now}, nil
}

// Next reports when the job fires after t
func (j *Job) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

// RunOnce purges everything older than now minus MaxAge
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.purger.Purge(ctx, cutoff)

	j.mu.Lock()
	j.lastRun, j.lastErr = j.now(), err
	j.mu.Unlock()

	if err != nil {
		logrus.WithField("cutoff", cutoff).Errorf("History purge failed: %v", err)
		return 0, err
	}
	logrus.WithField("cutoff", cutoff).Infof("Purged %d history row(s)", n)
	return n, nil
}

// LastRun returns the time and error of the most recent purge
func (j *Job) LastRun() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastErr
}

// Start schedules the job in the background
func (j *Job) Start() {
	j.cron = cron.New(cron.WithParser(parser))
	j.cron.Schedule(j.schedule, cron.FuncJob(func() {
		_, _ = j.RunOnce(context.Background())
	}))
	j.cron.Start()
	logrus.Infof("Retention job scheduled (%s), keeping %s of history", j.spec, j.maxAge)
}

// Stop waits for a running purge to finish
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
