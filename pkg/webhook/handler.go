// Package webhook is the admission path: signature verification,
// payload validation, the is-this-new decision and the idempotent store
// insert.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/metrics"
	"github.com/pyrus-bots/escalator/pkg/pyrus"
	"github.com/pyrus-bots/escalator/pkg/timeutil"
)

// AdmissionStore is the slice of the store the webhook consumes.
type AdmissionStore interface {
	Exists(taskID int64) (bool, error)
	Insert(taskID int64, due, nextRun string) error
}

// payload is the webhook request body.
type payload struct {
	TaskID int64       `json:"task_id"`
	Task   *pyrus.Task `json:"task"`
}

// Handler serves POST /webhook.
type Handler struct {
	store   AdmissionStore
	secret  string
	botID   int
	subject *SubjectUpdater
	log     *logrus.Logger
}

// NewHandler builds a Handler. subject may be nil when the client-field
// linking flow is not configured.
func NewHandler(st AdmissionStore, secret string, botID int, subject *SubjectUpdater, log *logrus.Logger) *Handler {
	return &Handler{store: st, secret: secret, botID: botID, subject: subject, log: log}
}

// ServeHTTP implements the admission flow: verify, parse, resolve the
// deadline, decide admission, insert once.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.RecordWebhook()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, 0, "failed to read request body")
		return
	}
	if err := VerifyRequest(r, body, h.secret); err != nil {
		h.reject(w, 0, errorMessage(err))
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.reject(w, 0, "invalid or missing json")
		return
	}
	if p.Task == nil {
		h.reject(w, 0, "task not found")
		return
	}
	taskID := p.TaskID
	if taskID == 0 {
		taskID = p.Task.ID
	}
	if taskID == 0 {
		h.reject(w, 0, "task_id not found")
		return
	}

	log := h.log.WithField("task_id", taskID)
	log.Info("got new task")

	due, err := resolveDue(p.Task)
	if err != nil {
		h.reject(w, taskID, errorMessage(err))
		return
	}

	createDate, err := timeutil.ParseISOToUTC(p.Task.CreateDate)
	if err != nil {
		h.reject(w, taskID, "failed to get task creation date")
		return
	}
	lastModified, err := timeutil.ParseISOToUTC(p.Task.LastModifiedDate)
	if err != nil {
		h.reject(w, taskID, "failed to get task update date")
		return
	}

	if !createDate.Equal(lastModified) && !lastCommentHasBot(p.Task.Comments, h.botID) {
		log.Info("creation and update dates do not match, skipping")
		w.WriteHeader(http.StatusOK)
		return
	}

	exists, err := h.store.Exists(taskID)
	if err != nil {
		log.WithError(err).Error("failed to check task existence")
		h.fail(w)
		return
	}
	if exists {
		log.Info("task already exists in the store")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.store.Insert(taskID, due, due); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			log.Info("task already exists in the store")
			w.WriteHeader(http.StatusOK)
			return
		}
		log.WithError(err).Error("failed to insert task into the store")
		h.fail(w)
		return
	}
	metrics.RecordAdmission()
	log.Info("task successfully added to the store")

	if h.subject != nil {
		h.subject.MaybeLinkClient(r.Context(), p.Task, taskID)
	}

	w.WriteHeader(http.StatusOK)
}

// resolveDue extracts the deadline, preferring due over due_date, and
// folds an integer duration (minutes) into it.
func resolveDue(task *pyrus.Task) (string, error) {
	due := task.Due
	if due == "" {
		due = task.DueDate
	}
	if due == "" {
		return "", apperrors.New(apperrors.ErrorTypeValidation, "due not found")
	}

	if task.Duration != nil {
		withDuration, err := timeutil.AddMinutes(due, *task.Duration)
		if err != nil {
			return "", apperrors.New(apperrors.ErrorTypeValidation, "failed to normalize due date")
		}
		return withDuration, nil
	}

	normalized, err := timeutil.NormalizeDue(due)
	if err != nil {
		return "", apperrors.New(apperrors.ErrorTypeValidation, "failed to normalize due date")
	}
	return normalized, nil
}

// lastCommentHasBot reports whether the final comment's subscribers_added
// list contains the bot, which is treated as "the Service just invited
// us".
func lastCommentHasBot(comments []pyrus.Comment, botID int) bool {
	if len(comments) == 0 {
		return false
	}
	for _, added := range comments[len(comments)-1].SubscribersAdded {
		if added.ID == botID {
			return true
		}
	}
	return false
}

func (h *Handler) reject(w http.ResponseWriter, taskID int64, reason string) {
	h.log.WithField("task_id", taskID).Warnf("%s", reason)
	writeJSONError(w, http.StatusBadRequest, reason)
}

func (h *Handler) fail(w http.ResponseWriter) {
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// errorMessage strips the type prefix from AppErrors so the wire format
// stays a bare reason string.
func errorMessage(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}
