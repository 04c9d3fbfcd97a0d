// Package scanner hosts the periodic tick: recover stale locks, select
// due candidates, lock them and dispatch to a bounded worker pool.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/pyrus-bots/escalator/pkg/metrics"
)

// CandidateStore is the slice of the store the scanner consumes.
type CandidateStore interface {
	RecoverStaleLocks() (int, error)
	FetchCandidates(limit int) ([]int64, error)
	TryLock(taskID int64) (bool, error)
}

// Authenticator acquires a bearer token for one tick.
type Authenticator interface {
	Authenticate(ctx context.Context, login, securityKey string) (string, error)
}

// Processor runs the escalation state machine for one locked task.
type Processor interface {
	Process(ctx context.Context, taskID int64, token string) error
}

// Config tunes the scanner.
type Config struct {
	Interval    time.Duration
	MaxWorkers  int64
	Limit       int
	Login       string
	SecurityKey string
}

// Scanner fires the tick on a fixed interval. Each tick runs on its own
// goroutine so a slow batch never delays the timer; the worker pool is
// shared across ticks and bounded by MaxWorkers.
type Scanner struct {
	store   CandidateStore
	auth    Authenticator
	worker  Processor
	cfg     Config
	pool    *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// New builds a Scanner. Repeated authentication failures trip a circuit
// breaker so a broken credential does not hammer the accounts endpoint
// every tick.
func New(st CandidateStore, auth Authenticator, worker Processor, cfg Config, log *logrus.Logger) *Scanner {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pyrus-auth",
		Timeout: 2 * cfg.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return &Scanner{
		store:   st,
		auth:    auth,
		worker:  worker,
		cfg:     cfg,
		pool:    semaphore.NewWeighted(cfg.MaxWorkers),
		breaker: breaker,
		log:     log,
	}
}

// Run fires ticks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.Interval).Info("scanner started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
			go s.Tick(ctx)
		}
	}
}

// Tick executes one scan pass. Failed jobs are not retried here: the
// next tick reconsiders any row whose lock was released by the worker,
// the retry wrapper or stale-lock recovery.
func (s *Scanner) Tick(ctx context.Context) {
	metrics.RecordScanTick()

	token, err := s.authenticate(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to get access token")
		return
	}
	s.log.Debug("token successfully received")

	if n, err := s.store.RecoverStaleLocks(); err != nil {
		s.log.WithError(err).Error("stale lock recovery failed")
	} else if n > 0 {
		metrics.RecordStaleLocks(n)
	}

	candidates, err := s.store.FetchCandidates(s.cfg.Limit)
	if err != nil {
		s.log.WithError(err).Error("failed to search for tasks")
		return
	}
	if len(candidates) == 0 {
		s.log.Debug("no tasks found for processing")
		return
	}

	var wg sync.WaitGroup
	for _, taskID := range candidates {
		locked, err := s.store.TryLock(taskID)
		if err != nil {
			s.log.WithField("task_id", taskID).WithError(err).Error("failed to lock task")
			continue
		}
		if !locked {
			s.log.WithField("task_id", taskID).Info("task is already being processed")
			continue
		}

		if err := s.pool.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for a slot; leave the lock to
			// stale-lock recovery.
			s.log.WithField("task_id", taskID).WithError(err).Warn("worker pool unavailable")
			break
		}

		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer s.pool.Release(1)

			start := time.Now()
			if err := s.worker.Process(ctx, id, token); err != nil {
				metrics.RecordTaskOutcome("error", time.Since(start))
				s.log.WithField("task_id", id).WithError(err).Error("error during task processing")
				return
			}
			metrics.RecordTaskOutcome("success", time.Since(start))
			s.log.WithField("task_id", id).Info("task finished successfully")
		}(taskID)
	}
	wg.Wait()
}

func (s *Scanner) authenticate(ctx context.Context) (string, error) {
	token, err := s.breaker.Execute(func() (interface{}, error) {
		return s.auth.Authenticate(ctx, s.cfg.Login, s.cfg.SecurityKey)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
