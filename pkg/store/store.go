// Package store persists the active task table and exposes the atomic
// mutations the scanner, workers and recovery paths rely on.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
	"github.com/pyrus-bots/escalator/pkg/timeutil"
)

// Daily slot at which rescheduled nudges fire, in the store's zone.
const (
	slotHour   = 10
	slotMinute = 40
)

// TaskRecord is one row of the active_tasks table.
type TaskRecord struct {
	TaskID     int64          `db:"task_id"`
	Due        string         `db:"due"`
	NextRunAt  string         `db:"next_run_at"`
	Processing bool           `db:"processing"`
	LockedAt   sql.NullString `db:"locked_at"`
	Step       int            `db:"step"`
}

// Store wraps the SQLite task table. All operations are atomic from the
// caller's view; concurrent access relies on WAL mode and the busy
// timeout configured on the connection.
type Store struct {
	db         *sqlx.DB
	log        *logrus.Logger
	zone       *time.Location
	lockExpiry time.Duration
}

// New builds a Store. zoneName is the zone used by the daily reschedule
// slot; an unresolvable zone falls back to UTC.
func New(db *sqlx.DB, log *logrus.Logger, zoneName string, lockExpiry time.Duration) *Store {
	zone, err := time.LoadLocation(zoneName)
	if err != nil {
		log.WithField("timezone", zoneName).Warn("failed to load timezone, falling back to UTC")
		zone = time.UTC
	}
	return &Store{
		db:         db,
		log:        log,
		zone:       zone,
		lockExpiry: lockExpiry,
	}
}

// Insert adds a new task row with processing=0 and step=1. Returns a
// conflict error when the task id is already present.
func (s *Store) Insert(taskID int64, due, nextRun string) error {
	_, err := s.db.Exec(
		"INSERT INTO active_tasks (task_id, due, next_run_at, processing, step) VALUES (?, ?, ?, 0, 1)",
		taskID, due, nextRun,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apperrors.Wrapf(err, apperrors.ErrorTypeConflict, "task %d already exists", taskID)
		}
		return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to insert task %d", taskID)
	}
	return nil
}

// Exists reports whether the task id is present.
func (s *Store) Exists(taskID int64) (bool, error) {
	var one int
	err := s.db.Get(&one, "SELECT 1 FROM active_tasks WHERE task_id = ? LIMIT 1", taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to check task %d", taskID)
	}
	return true, nil
}

// FetchCandidates returns up to limit task ids that are unlocked and due.
// The query over-selects ordered by next_run_at and the timestamps are
// parsed here rather than compared in SQL: rows whose next_run_at fails
// to parse are skipped instead of aborting the batch, which tolerates
// heterogeneous historical formats in the store.
func (s *Store) FetchCandidates(limit int) ([]int64, error) {
	rows := []struct {
		TaskID    int64  `db:"task_id"`
		NextRunAt string `db:"next_run_at"`
	}{}
	err := s.db.Select(&rows,
		"SELECT task_id, next_run_at FROM active_tasks WHERE processing = 0 ORDER BY next_run_at LIMIT ?",
		limit*5,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to fetch candidates")
	}

	now := timeutil.NowUTC()
	out := make([]int64, 0, limit)
	for _, r := range rows {
		dt, err := timeutil.ParseISOToUTC(r.NextRunAt)
		if err != nil {
			s.log.WithField("task_id", r.TaskID).WithError(err).Warn("skipping row with unparsable next_run_at")
			continue
		}
		if !dt.After(now) {
			out = append(out, r.TaskID)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// TryLock atomically flips processing 0→1, stamping locked_at. Returns
// true iff this caller won the row.
func (s *Store) TryLock(taskID int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE active_tasks SET processing = 1, locked_at = ? WHERE task_id = ? AND processing = 0",
		timeutil.ToISO(timeutil.NowUTC()), taskID,
	)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to lock task %d", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to lock task %d", taskID)
	}
	return n == 1, nil
}

// Unlock unconditionally releases the row.
func (s *Store) Unlock(taskID int64) error {
	_, err := s.db.Exec(
		"UPDATE active_tasks SET processing = 0, locked_at = NULL WHERE task_id = ?",
		taskID,
	)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to unlock task %d", taskID)
	}
	s.log.WithField("task_id", taskID).Info("task unlocked")
	return nil
}

// BumpStepAndReschedule advances the row to step and moves next_run_at to
// the next daily slot (10:40 in the store's zone, today if still ahead,
// otherwise tomorrow), releasing the lock in the same statement. Relative
// offsets from the original deadline are deliberately ignored.
func (s *Store) BumpStepAndReschedule(taskID int64, step int) error {
	next := timeutil.NextDailySlot(timeutil.NowUTC(), slotHour, slotMinute, s.zone)
	_, err := s.db.Exec(
		"UPDATE active_tasks SET step = ?, next_run_at = ?, processing = 0, locked_at = NULL WHERE task_id = ?",
		step, timeutil.ToISO(next), taskID,
	)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to reschedule task %d", taskID)
	}
	return nil
}

// SetStep updates the step counter only, leaving lock fields untouched.
func (s *Store) SetStep(taskID int64, step int) error {
	_, err := s.db.Exec("UPDATE active_tasks SET step = ? WHERE task_id = ?", step, taskID)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to set step for task %d", taskID)
	}
	return nil
}

// GetRow returns the full row, or nil when the task is absent.
func (s *Store) GetRow(taskID int64) (*TaskRecord, error) {
	var rec TaskRecord
	err := s.db.Get(&rec, "SELECT * FROM active_tasks WHERE task_id = ?", taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to read task %d", taskID)
	}
	return &rec, nil
}

// Delete removes the row unconditionally.
func (s *Store) Delete(taskID int64) error {
	_, err := s.db.Exec("DELETE FROM active_tasks WHERE task_id = ?", taskID)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to delete task %d", taskID)
	}
	return nil
}

// RecoverStaleLocks releases every row whose lock is older than the
// configured expiry and returns how many were recovered. This is the
// only mechanism that breaks the lock of a crashed worker.
func (s *Store) RecoverStaleLocks() (int, error) {
	expiry := timeutil.ToISO(timeutil.NowUTC().Add(-s.lockExpiry))

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to begin stale lock recovery")
	}
	defer tx.Rollback() //nolint:errcheck

	var stale []int64
	err = tx.Select(&stale,
		"SELECT task_id FROM active_tasks WHERE processing = 1 AND locked_at <= ?", expiry)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to find stale locks")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.log.WithField("task_ids", stale).Info("recovering stale locks")
	for _, id := range stale {
		if _, err := tx.Exec(
			"UPDATE active_tasks SET processing = 0, locked_at = NULL WHERE task_id = ?", id); err != nil {
			return 0, apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "failed to recover lock for task %d", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to commit stale lock recovery")
	}
	return len(stale), nil
}
