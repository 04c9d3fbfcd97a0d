package pyrus_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/pyrus"
)

type fakeUnlocker struct {
	unlocked []int64
	err      error
}

func (f *fakeUnlocker) Unlock(taskID int64) error {
	f.unlocked = append(f.unlocked, taskID)
	return f.err
}

var _ = Describe("Retryer", func() {
	var (
		log      *logrus.Logger
		unlocker *fakeUnlocker
	)

	newRetryer := func(cfg pyrus.RetryConfig) *pyrus.Retryer {
		r, err := pyrus.NewRetryer(cfg, unlocker, log)
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	retryAll := []apperrors.ErrorType{
		apperrors.ErrorTypeNetwork,
		apperrors.ErrorTypeProtocol,
		apperrors.ErrorTypeAPI,
	}

	BeforeEach(func() {
		log = logrus.New()
		log.SetLevel(logrus.FatalLevel)
		unlocker = &fakeUnlocker{}
	})

	Describe("NewRetryer", func() {
		It("rejects fewer than one try", func() {
			_, err := pyrus.NewRetryer(pyrus.RetryConfig{Tries: 0}, unlocker, log)
			Expect(err).To(HaveOccurred())
		})

		It("requires an unlocker when unlock-on-fail is set", func() {
			_, err := pyrus.NewRetryer(pyrus.RetryConfig{Tries: 1, UnlockOnFail: true}, nil, log)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("DefaultRetryConfig", func() {
		It("matches the Service's delivery semantics", func() {
			cfg := pyrus.DefaultRetryConfig()
			Expect(cfg.Tries).To(Equal(3))
			Expect(cfg.Delay.Seconds()).To(Equal(30.0))
			Expect(cfg.UnlockOnFail).To(BeTrue())
		})
	})

	Describe("Do", func() {
		It("returns the first success", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 3, Retryable: retryAll})

			calls := 0
			err := r.Do(42, "op", func() error {
				calls++
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("retries retryable failures up to the limit", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 3, Retryable: retryAll})

			calls := 0
			err := r.Do(42, "op", func() error {
				calls++
				if calls < 3 {
					return apperrors.New(apperrors.ErrorTypeNetwork, "connection reset")
				}
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(3))
		})

		It("propagates non-retryable failures immediately", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 3, Retryable: retryAll})

			calls := 0
			err := r.Do(42, "op", func() error {
				calls++
				return apperrors.New(apperrors.ErrorTypeAccessDenied, "access revoked")
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
			Expect(unlocker.unlocked).To(BeEmpty())
		})

		It("treats plain errors as non-retryable", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 3, Retryable: retryAll})

			calls := 0
			err := r.Do(42, "op", func() error {
				calls++
				return errors.New("unexpected")
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("returns the last failure after exhaustion", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 2, Retryable: retryAll})

			calls := 0
			err := r.Do(0, "op", func() error {
				calls++
				return apperrors.Newf(apperrors.ErrorTypeAPI, "attempt %d failed", calls)
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("attempt 2 failed"))
		})

		It("unlocks the task after exhaustion when configured", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 2, Retryable: retryAll, UnlockOnFail: true})

			err := r.Do(42, "op", func() error {
				return apperrors.New(apperrors.ErrorTypeNetwork, "timeout")
			})
			Expect(err).To(HaveOccurred())
			Expect(unlocker.unlocked).To(Equal([]int64{42}))
		})

		It("does not unlock when the operation is not bound to a task", func() {
			r := newRetryer(pyrus.RetryConfig{Tries: 2, Retryable: retryAll, UnlockOnFail: true})

			err := r.Do(0, "op", func() error {
				return apperrors.New(apperrors.ErrorTypeNetwork, "timeout")
			})
			Expect(err).To(HaveOccurred())
			Expect(unlocker.unlocked).To(BeEmpty())
		})
	})
})
