package webhook

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/pkg/pyrus"
)

// AdminService is the slice of the Pyrus client the subject flow uses,
// authenticated with the admin credentials.
type AdminService interface {
	Authenticate(ctx context.Context, login, securityKey string) (string, error)
	UpdateClientField(ctx context.Context, parentTaskID int64, token string, taskID int64) error
}

// SubjectConfig configures the client-field linking flow.
type SubjectConfig struct {
	LoginAdmin       string
	SecurityKeyAdmin string
	SubjectFormID    int
	ClientFieldID    int
}

// SubjectUpdater links a subject-form task back to its parent through
// the configured client field. Runs after admission; failures are logged
// and never affect the webhook response.
type SubjectUpdater struct {
	service AdminService
	cfg     SubjectConfig
	log     *logrus.Logger
}

// NewSubjectUpdater builds a SubjectUpdater.
func NewSubjectUpdater(svc AdminService, cfg SubjectConfig, log *logrus.Logger) *SubjectUpdater {
	return &SubjectUpdater{service: svc, cfg: cfg, log: log}
}

// MaybeLinkClient fills the client field of a freshly admitted
// subject-form task when it is still empty and a parent task is known.
func (u *SubjectUpdater) MaybeLinkClient(ctx context.Context, task *pyrus.Task, taskID int64) {
	if task.FormID != u.cfg.SubjectFormID {
		return
	}
	log := u.log.WithField("task_id", taskID)

	if len(task.Fields) == 0 {
		log.Warn("fields not found in subject task")
		return
	}
	if hasClient(task.Fields, u.cfg.ClientFieldID) {
		log.Warn("client already set in subject task")
		return
	}
	if task.ParentTaskID == 0 {
		log.Warn("parent_task_id is missing in subject task")
		return
	}

	token, err := u.service.Authenticate(ctx, u.cfg.LoginAdmin, u.cfg.SecurityKeyAdmin)
	if err != nil {
		log.WithError(err).Error("failed to authenticate with admin credentials")
		return
	}
	if err := u.service.UpdateClientField(ctx, task.ParentTaskID, token, taskID); err != nil {
		log.WithError(err).Error("failed to update client field")
	}
}

// hasClient reports whether the client field already carries a task
// reference.
func hasClient(fields []pyrus.FormField, clientFieldID int) bool {
	for _, f := range fields {
		if f.ID != clientFieldID {
			continue
		}
		if f.Value != nil && f.Value.TaskID != 0 {
			return true
		}
	}
	return false
}
