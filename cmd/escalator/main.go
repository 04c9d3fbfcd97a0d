// The escalator service watches tasks admitted through the Pyrus
// webhook and nudges responsible users through a bounded sequence of
// escalation steps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/internal/config"
	"github.com/pyrus-bots/escalator/internal/database"
	"github.com/pyrus-bots/escalator/pkg/escalation"
	"github.com/pyrus-bots/escalator/pkg/pyrus"
	"github.com/pyrus-bots/escalator/pkg/scanner"
	"github.com/pyrus-bots/escalator/pkg/store"
	"github.com/pyrus-bots/escalator/pkg/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logrus.WithError(err).Fatal("service failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging)

	db, err := database.Connect(database.DefaultConfig(cfg.Database.Path), log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, log); err != nil {
		return err
	}

	st := store.New(db, log, cfg.Escalation.Timezone,
		time.Duration(cfg.Scheduler.LockExpiryMinutes)*time.Minute)

	retryer, err := pyrus.NewRetryer(pyrus.DefaultRetryConfig(), st, log)
	if err != nil {
		return err
	}
	client := pyrus.NewClient(
		pyrus.DefaultClientConfig(cfg.Pyrus.BotID, cfg.Escalation.ClientFieldID),
		retryer, log)

	worker := escalation.NewWorker(st, client, escalation.Config{
		FirstManagerID:  cfg.Escalation.FirstManagerID,
		SecondManagerID: cfg.Escalation.SecondManagerID,
	}, log)

	scan := scanner.New(st, client, worker, scanner.Config{
		Interval:    time.Duration(cfg.Scheduler.ScanInterval) * time.Second,
		MaxWorkers:  int64(cfg.Scheduler.MaxWorkers),
		Limit:       cfg.Scheduler.LimitProcessTasks,
		Login:       cfg.Pyrus.Login,
		SecurityKey: cfg.Pyrus.SecurityKey,
	}, log)

	var subject *webhook.SubjectUpdater
	if cfg.Escalation.SubjectFormID != 0 {
		subject = webhook.NewSubjectUpdater(client, webhook.SubjectConfig{
			LoginAdmin:       cfg.Pyrus.LoginAdmin,
			SecurityKeyAdmin: cfg.Pyrus.SecurityKeyAdmin,
			SubjectFormID:    cfg.Escalation.SubjectFormID,
			ClientFieldID:    cfg.Escalation.ClientFieldID,
		}, log)
	}

	handler := webhook.NewHandler(st, cfg.Pyrus.SecurityKey, cfg.Pyrus.BotID, subject, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scan.Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: webhook.NewRouter(handler, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown failed")
	}
	log.Info("service stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
