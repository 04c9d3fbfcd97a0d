package scanner_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/pkg/scanner"
)

// fakeStore scripts the store surface the scanner consumes.
type fakeStore struct {
	mu          sync.Mutex
	candidates  []int64
	locked      map[int64]bool
	recoverRuns int
	fetchErr    error
}

func (f *fakeStore) RecoverStaleLocks() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverRuns++
	return 0, nil
}

func (f *fakeStore) FetchCandidates(limit int) ([]int64, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeStore) TryLock(taskID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[taskID] {
		return false, nil
	}
	f.locked[taskID] = true
	return true, nil
}

type fakeAuth struct {
	err   error
	calls int
}

func (f *fakeAuth) Authenticate(ctx context.Context, login, securityKey string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "tick-token", nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	tokens    map[int64]string
	err       error
}

func (f *fakeProcessor) Process(ctx context.Context, taskID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, taskID)
	f.tokens[taskID] = token
	return f.err
}

var _ = Describe("Scanner", func() {
	var (
		st        *fakeStore
		auth      *fakeAuth
		processor *fakeProcessor
		scan      *scanner.Scanner
	)

	cfg := scanner.Config{
		Interval:    time.Minute,
		MaxWorkers:  2,
		Limit:       10,
		Login:       "bot@example.com",
		SecurityKey: "key",
	}

	BeforeEach(func() {
		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)

		st = &fakeStore{locked: map[int64]bool{}}
		auth = &fakeAuth{}
		processor = &fakeProcessor{tokens: map[int64]string{}}
		scan = scanner.New(st, auth, processor, cfg, log)
	})

	It("locks and dispatches every due candidate with the tick's token", func() {
		st.candidates = []int64{1, 2, 3}

		scan.Tick(context.Background())

		Expect(processor.processed).To(ConsistOf(int64(1), int64(2), int64(3)))
		for _, id := range st.candidates {
			Expect(processor.tokens[id]).To(Equal("tick-token"))
		}
	})

	It("recovers stale locks before fetching", func() {
		scan.Tick(context.Background())
		Expect(st.recoverRuns).To(Equal(1))
	})

	It("skips candidates that are already locked", func() {
		st.candidates = []int64{1, 2}
		st.locked = map[int64]bool{1: true}

		scan.Tick(context.Background())

		Expect(processor.processed).To(ConsistOf(int64(2)))
	})

	It("does nothing when authentication fails", func() {
		st.candidates = []int64{1}
		auth.err = errors.New("bad credentials")

		scan.Tick(context.Background())

		Expect(processor.processed).To(BeEmpty())
		Expect(st.recoverRuns).To(BeZero())
	})

	It("short-circuits authentication after repeated failures", func() {
		auth.err = errors.New("bad credentials")

		for i := 0; i < 5; i++ {
			scan.Tick(context.Background())
		}

		// The breaker opens after three consecutive failures, so the
		// later ticks never reach the accounts endpoint.
		Expect(auth.calls).To(Equal(3))
	})

	It("survives a fetch failure", func() {
		st.fetchErr = errors.New("disk error")
		Expect(func() { scan.Tick(context.Background()) }).NotTo(Panic())
	})

	It("does not retry failed jobs within the tick", func() {
		st.candidates = []int64{1}
		processor.err = errors.New("processing failed")

		scan.Tick(context.Background())

		Expect(processor.processed).To(Equal([]int64{1}))
	})
})
