package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"amarillo.mfdz.de/internal/app"
	"amarillo.mfdz.de/internal/appconf"
	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/restapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var port int
	var env string

	flags := flag.NewFlagSet("api", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "Path to the yaml configuration file")
	flags.IntVar(&port, "port", 0, "API server port, overrides the configuration")
	flags.StringVar(&env, "env", "", "Environment (development|test|production), overrides the configuration")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := appconf.Load(configPath)
	if err != nil {
		bootLogger := logging.NewStructuredLogger(os.Stderr, slog.LevelInfo)
		return logging.StartupError(bootLogger, "failed to load configuration", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if env != "" {
		cfg.Env = env
	}

	logger := logging.NewStructuredLogger(os.Stdout, logging.LevelForEnv(cfg.Env))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		return logging.StartupError(logger, "failed to initialize application", err)
	}
	defer application.Shutdown()

	if err := application.Boot(ctx); err != nil {
		return logging.StartupError(logger, "failed to boot application", err)
	}
	if err := application.ScheduleJobs(); err != nil {
		return logging.StartupError(logger, "failed to schedule jobs", err)
	}
	application.Scheduler.Start()
	if cfg.SyncOnStartup {
		application.Scheduler.RunNow(app.JobSync)
	}

	api := restapi.NewRestAPI(application)
	defer api.Close()

	// full syncs answer only after every agency was pulled
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Handler(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "env", cfg.Env)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return logging.StartupError(logger, "server failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "graceful shutdown failed", err)
		return err
	}
	return nil
}
