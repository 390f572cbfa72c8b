package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/timeplus-io/fw-alert-gateway/pkg/api"
	"github.com/timeplus-io/fw-alert-gateway/pkg/app"
	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/metrics"
	"github.com/timeplus-io/fw-alert-gateway/pkg/retention"
)

// @title Firewall Alert Gateway API
// @version 1.0
// @description Firewall telemetry history, alert lifecycle, notification and remediation
// @BasePath /api

func main() {
	app.ConfigureLogging()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	gw, err := app.Build(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize gateway: %v", err)
	}

	// Background workers get their own context; the HTTP server goes first on shutdown
	workerCtx, stopWorkers := context.WithCancel(ctx)
	gw.Dispatcher.Start(workerCtx)

	pollerDone := make(chan struct{})
	if cfg.Poller.Enabled {
		go func() {
			defer close(pollerDone)
			gw.Poller.Run(workerCtx)
		}()
	} else {
		close(pollerDone)
		logrus.Info("Poller disabled")
	}

	var purge *retention.Job
	if cfg.Retention.Enabled {
		purge, err = retention.New(gw.History, cfg.Retention)
		if err != nil {
			logrus.Fatalf("Failed to create retention job: %v", err)
		}
		purge.Start()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(cors.New(cors.Options{
		AllowedOrigins: strings.Split(cfg.Server.AllowedOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", api.HeaderAuthUser},
	}).Handler))

	deps := api.Deps{
		Alerts:      gw.Alerts,
		History:     gw.History,
		Notifier:    gw.Dispatcher,
		Remediation: gw.Remediation,
	}
	if cfg.Poller.Enabled {
		deps.Sources = gw.Poller
	}
	api.NewAPIHandler(deps).SetupRoutes(e)

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	if purge != nil {
		purge.Stop()
	}
	gw.Poller.Stop()
	select {
	case <-pollerDone:
	case <-shutdownCtx.Done():
		logrus.Warn("Poller did not finish its cycle before the shutdown deadline")
	}
	stopWorkers()
	select {
	case <-gw.Dispatcher.Done():
	case <-shutdownCtx.Done():
	}
	gw.Close()

	logrus.Info("Server exited properly")
}
