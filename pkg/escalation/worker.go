// Package escalation drives the per-task state machine: verify the task
// is still live remotely, post the nudge appropriate to the current step
// and either reschedule or terminate the entry.
package escalation

import (
	"context"

	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/pyrus"
	"github.com/pyrus-bots/escalator/pkg/store"
)

const finalStep = 4

// Service is the slice of the Pyrus client the worker consumes.
type Service interface {
	CheckTask(ctx context.Context, taskID int64, token string) pyrus.Presence
	IsTaskClosed(ctx context.Context, taskID int64, token string) (bool, error)
	BotIsSubscriber(ctx context.Context, taskID int64, token string) (bool, error)
	GetResponsible(ctx context.Context, taskID int64, token string) (pyrus.MemberInfo, error)
	GetMember(ctx context.Context, memberID int, token string) (pyrus.MemberInfo, error)
	SendComment(ctx context.Context, token string, taskID int64, text string, members pyrus.CommentMembers) error
	RemoveBotFromSubscribers(ctx context.Context, taskID int64, token string) error
}

// TaskStore is the slice of the store the worker consumes.
type TaskStore interface {
	GetRow(taskID int64) (*store.TaskRecord, error)
	Delete(taskID int64) error
	Unlock(taskID int64) error
	BumpStepAndReschedule(taskID int64, step int) error
}

// Config carries the escalation chain identities.
type Config struct {
	FirstManagerID  int
	SecondManagerID int
}

// Worker processes one locked task at a time.
type Worker struct {
	store   TaskStore
	service Service
	cfg     Config
	log     *logrus.Logger
}

// NewWorker builds a Worker.
func NewWorker(st TaskStore, svc Service, cfg Config, log *logrus.Logger) *Worker {
	return &Worker{store: st, service: svc, cfg: cfg, log: log}
}

// Process runs the state machine for a task the scanner has locked. The
// returned error is for the scanner's per-task logging; the lock is not
// released here on failure — the retry wrapper's unlock-on-fail covers
// the common case and stale-lock recovery covers the rest.
func (w *Worker) Process(ctx context.Context, taskID int64, token string) error {
	log := w.log.WithField("task_id", taskID)
	log.Info("worker picked task")

	row, err := w.store.GetRow(taskID)
	if err != nil {
		return err
	}
	if row == nil {
		log.Info("task row gone, nothing to do")
		return nil
	}

	switch w.service.CheckTask(ctx, taskID, token) {
	case pyrus.PresenceAbsent:
		if err := w.store.Delete(taskID); err != nil {
			return err
		}
		log.Info("task not found remotely, removed from store")
		return nil
	case pyrus.PresenceUnknown:
		if err := w.store.Unlock(taskID); err != nil {
			return err
		}
		log.Info("task check skipped due to network error")
		return nil
	}

	closed, err := w.service.IsTaskClosed(ctx, taskID, token)
	if err != nil {
		return err
	}
	subscribed := true
	if !closed {
		subscribed, err = w.service.BotIsSubscriber(ctx, taskID, token)
		if err != nil {
			return err
		}
	}
	if closed || !subscribed {
		return w.cleanup(ctx, taskID, token, "task closed or bot not subscribed")
	}

	log.WithField("step", row.Step).Debug("dispatching on current step")

	if row.Step < finalStep {
		return w.nudge(ctx, taskID, token, row.Step)
	}
	return w.escalate(ctx, taskID, token)
}

// nudge handles steps 1-3: mention the responsible user and move the row
// to the next daily slot.
func (w *Worker) nudge(ctx context.Context, taskID int64, token string, step int) error {
	user, err := w.service.GetResponsible(ctx, taskID, token)
	if err != nil {
		return err
	}
	if err := w.service.SendComment(ctx, token, taskID, TextToEmployee, pyrus.CommentMembers{User: user}); err != nil {
		return err
	}
	if err := w.store.BumpStepAndReschedule(taskID, step+1); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"task_id": taskID, "step": step + 1}).Info("task rescheduled")
	return nil
}

// escalate handles the final step: mention the user and both managers,
// unsubscribe the bot and drop the row.
func (w *Worker) escalate(ctx context.Context, taskID int64, token string) error {
	first, err := w.service.GetMember(ctx, w.cfg.FirstManagerID, token)
	if err != nil {
		return err
	}
	second, err := w.service.GetMember(ctx, w.cfg.SecondManagerID, token)
	if err != nil {
		return err
	}
	if first.ID == 0 || second.ID == 0 {
		return apperrors.Newf(apperrors.ErrorTypeAPI, "manager info not found for task %d", taskID)
	}

	user, err := w.service.GetResponsible(ctx, taskID, token)
	if err != nil {
		return err
	}

	members := pyrus.CommentMembers{
		User:     user,
		Managers: &pyrus.ManagerPair{First: first, Second: second},
	}
	if err := w.service.SendComment(ctx, token, taskID, TextToEmployeeWithManager, members); err != nil {
		return err
	}
	if err := w.service.RemoveBotFromSubscribers(ctx, taskID, token); err != nil {
		return err
	}
	if err := w.store.Delete(taskID); err != nil {
		return err
	}
	w.log.WithField("task_id", taskID).Info("task escalated to managers and removed (final step)")
	return nil
}

// cleanup removes the row and best-effort unsubscribes the bot.
func (w *Worker) cleanup(ctx context.Context, taskID int64, token, reason string) error {
	if err := w.store.Delete(taskID); err != nil {
		return err
	}
	if err := w.service.RemoveBotFromSubscribers(ctx, taskID, token); err != nil {
		w.log.WithField("task_id", taskID).WithError(err).Warn("failed to unsubscribe bot during cleanup")
	}
	w.log.WithFields(logrus.Fields{"task_id": taskID, "reason": reason}).Info("task removed from store and unsubscribed")
	return nil
}
