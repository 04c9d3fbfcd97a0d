package webhook_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/pkg/pyrus"
	"github.com/pyrus-bots/escalator/pkg/webhook"
)

// fakeAdminService records the admin-credential calls.
type fakeAdminService struct {
	authCalls   int
	updates     [][2]int64 // parent, task
	authErr     error
	updateErr   error
	lastLogin   string
	lastKeyUsed string
}

func (f *fakeAdminService) Authenticate(ctx context.Context, login, securityKey string) (string, error) {
	f.authCalls++
	f.lastLogin = login
	f.lastKeyUsed = securityKey
	if f.authErr != nil {
		return "", f.authErr
	}
	return "admin-token", nil
}

func (f *fakeAdminService) UpdateClientField(ctx context.Context, parentTaskID int64, token string, taskID int64) error {
	f.updates = append(f.updates, [2]int64{parentTaskID, taskID})
	return f.updateErr
}

var _ = Describe("SubjectUpdater", func() {
	var (
		svc     *fakeAdminService
		updater *webhook.SubjectUpdater
	)

	cfg := webhook.SubjectConfig{
		LoginAdmin:       "admin@example.com",
		SecurityKeyAdmin: "admin-key",
		SubjectFormID:    99,
		ClientFieldID:    13,
	}

	subjectTask := func(mutate func(*pyrus.Task)) *pyrus.Task {
		task := &pyrus.Task{
			ID:           42,
			FormID:       99,
			ParentTaskID: 100,
			Fields:       []pyrus.FormField{{ID: 7}},
		}
		if mutate != nil {
			mutate(task)
		}
		return task
	}

	BeforeEach(func() {
		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)

		svc = &fakeAdminService{}
		updater = webhook.NewSubjectUpdater(svc, cfg, log)
	})

	It("links the parent task through the client field with admin credentials", func() {
		updater.MaybeLinkClient(context.Background(), subjectTask(nil), 42)

		Expect(svc.authCalls).To(Equal(1))
		Expect(svc.lastLogin).To(Equal("admin@example.com"))
		Expect(svc.updates).To(Equal([][2]int64{{100, 42}}))
	})

	It("ignores tasks from other forms", func() {
		updater.MaybeLinkClient(context.Background(), subjectTask(func(t *pyrus.Task) {
			t.FormID = 5
		}), 42)

		Expect(svc.authCalls).To(BeZero())
		Expect(svc.updates).To(BeEmpty())
	})

	It("skips tasks that already carry a client link", func() {
		updater.MaybeLinkClient(context.Background(), subjectTask(func(t *pyrus.Task) {
			t.Fields = []pyrus.FormField{{ID: 13, Value: &pyrus.FormFieldValue{TaskID: 55}}}
		}), 42)

		Expect(svc.updates).To(BeEmpty())
	})

	It("skips tasks without a parent", func() {
		updater.MaybeLinkClient(context.Background(), subjectTask(func(t *pyrus.Task) {
			t.ParentTaskID = 0
		}), 42)

		Expect(svc.updates).To(BeEmpty())
	})

	It("skips tasks without fields", func() {
		updater.MaybeLinkClient(context.Background(), subjectTask(func(t *pyrus.Task) {
			t.Fields = nil
		}), 42)

		Expect(svc.updates).To(BeEmpty())
	})

	It("swallows authentication failures", func() {
		svc.authErr = context.DeadlineExceeded

		Expect(func() {
			updater.MaybeLinkClient(context.Background(), subjectTask(nil), 42)
		}).NotTo(Panic())
		Expect(svc.updates).To(BeEmpty())
	})
})
