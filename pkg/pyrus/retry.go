package pyrus

import (
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/metrics"
)

// Unlocker releases a task row after retries are exhausted. Satisfied by
// the store.
type Unlocker interface {
	Unlock(taskID int64) error
}

// RetryConfig configures a Retryer.
type RetryConfig struct {
	// Tries is the maximum number of attempts. Must be >= 1.
	Tries int
	// Delay is the fixed sleep between attempts.
	Delay time.Duration
	// Retryable lists the error types that trigger another attempt.
	// Errors of any other type propagate immediately.
	Retryable []apperrors.ErrorType
	// UnlockOnFail releases the task row when every attempt failed.
	UnlockOnFail bool
}

// DefaultRetryConfig mirrors the Service's documented delivery
// semantics: three attempts, thirty seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Tries: 3,
		Delay: 30 * time.Second,
		Retryable: []apperrors.ErrorType{
			apperrors.ErrorTypeNetwork,
			apperrors.ErrorTypeProtocol,
			apperrors.ErrorTypeAPI,
		},
		UnlockOnFail: true,
	}
}

// Retryer re-runs failing operations with a fixed delay, optionally
// unlocking the task row on exhaustion. The unlocker reference is
// injected at construction.
type Retryer struct {
	cfg      RetryConfig
	unlocker Unlocker
	log      *logrus.Logger
}

// NewRetryer validates cfg and builds a Retryer. unlocker may be nil only
// when cfg.UnlockOnFail is false.
func NewRetryer(cfg RetryConfig, unlocker Unlocker, log *logrus.Logger) (*Retryer, error) {
	if cfg.Tries < 1 {
		return nil, apperrors.Newf(apperrors.ErrorTypeInternal, "retry tries must be >= 1, got %d", cfg.Tries)
	}
	if cfg.UnlockOnFail && unlocker == nil {
		return nil, apperrors.New(apperrors.ErrorTypeInternal, "unlock on fail requires an unlocker")
	}
	return &Retryer{cfg: cfg, unlocker: unlocker, log: log}, nil
}

// Do runs op up to Tries times. taskID identifies the row to unlock on
// exhaustion; pass 0 for operations not bound to a task.
func (r *Retryer) Do(taskID int64, name string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Tries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return err
		}
		lastErr = err
		r.log.WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"tries":     r.cfg.Tries,
		}).WithError(err).Warn("attempt failed")
		if attempt < r.cfg.Tries {
			time.Sleep(r.cfg.Delay)
		}
	}

	metrics.RecordRetryExhaustion(name)
	if r.cfg.UnlockOnFail && taskID != 0 {
		if err := r.unlocker.Unlock(taskID); err != nil {
			r.log.WithField("task_id", taskID).WithError(err).Error("failed to unlock task after retries")
		} else {
			r.log.WithField("task_id", taskID).Info("task unlocked after all retries failed")
		}
	}
	return lastErr
}

func (r *Retryer) retryable(err error) bool {
	t := apperrors.TypeOf(err)
	for _, rt := range r.cfg.Retryable {
		if t == rt {
			return true
		}
	}
	return false
}
