// Package app assembles the gateway components from configuration. It is
// shared by the server and the fwctl command line tool.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/evaluator"
	"github.com/timeplus-io/fw-alert-gateway/pkg/history"
	"github.com/timeplus-io/fw-alert-gateway/pkg/normalize"
	"github.com/timeplus-io/fw-alert-gateway/pkg/notify"
	"github.com/timeplus-io/fw-alert-gateway/pkg/poller"
	"github.com/timeplus-io/fw-alert-gateway/pkg/remediation"
	"github.com/timeplus-io/fw-alert-gateway/pkg/services"
	"github.com/timeplus-io/fw-alert-gateway/pkg/store"
	"github.com/timeplus-io/fw-alert-gateway/pkg/timeplus"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

// ConfigureLogging sets the logrus level from LOG_LEVEL, defaulting to info
func ConfigureLogging() {
	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())
}

// App holds every wired component
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Timeplus    timeplus.TimeplusClient
	History     history.Store
	Alerts      *services.AlertService
	Evaluator   *evaluator.Evaluator
	Dispatcher  *notify.Dispatcher
	Remediation *remediation.Executor
	Poller      *poller.Scheduler

	cache *history.CachedStore
}

// Build opens storage and constructs the components. Nothing is started.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := store.Migrate(db); err != nil {
		a.Close()
		return nil, err
	}

	var backend history.Store = store.NewHistoryStore(db)
	if cfg.Timeplus.Enabled {
		client, err := timeplus.NewClient(ctx, &cfg.Timeplus)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Timeplus = client
		if err := timeplus.SetupStreams(ctx, client); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to set up streams: %w", err)
		}
		if cfg.History.Backend == "timeplus" {
			backend = timeplus.NewHistoryStore(client)
		}
	}
	logrus.Infof("History backend: %s", cfg.History.Backend)

	if cfg.History.CacheTTL > 0 {
		cached, err := history.NewCachedStore(backend, cfg.History.CacheEntries, cfg.History.CacheTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = cached
		backend = cached
	}
	a.History = backend

	a.Alerts = services.NewAlertService(store.NewAlertRepository(db), services.OptionsFromConfig(cfg.Alerts))
	if a.Timeplus != nil {
		a.Alerts.SetEventSink(timeplus.NewAlertEventSink(a.Timeplus))
	}

	a.Evaluator, err = evaluator.New(evaluator.RulesFromConfig(cfg.Thresholds))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Dispatcher = notify.NewDispatcher(notify.NewSMTPSender(cfg.SMTP), notify.OptionsFromConfig(cfg.SMTP, cfg.Notify))
	a.Remediation = remediation.NewExecutor(remediation.ExecRunner{}, cfg.Remediation.Services, cfg.Remediation.CommandTimeout)

	sources, err := poller.SourcesFromConfig(cfg.Sources)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Poller, err = poller.New(poller.OptionsFromConfig(cfg.Poller), sources, poller.Deps{
		Adapters:    vendors.NewSet(nil),
		Normalizer:  normalize.New(),
		History:     a.History,
		Evaluator:   a.Evaluator,
		Alerts:      a.Alerts,
		Notifier:    a.Dispatcher,
		Credentials: poller.CredentialsFromConfig(cfg.Credentials),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases storage handles
func (a *App) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.Timeplus != nil {
		if err := a.Timeplus.Close(); err != nil {
			logrus.Warnf("Error closing Timeplus client: %v", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			logrus.Warnf("Error closing database: %v", err)
		}
	}
}
