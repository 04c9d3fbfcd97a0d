// Package timeutil normalizes the heterogeneous datetime strings the
// Pyrus API and the task store exchange, always in UTC.
package timeutil

import (
	"strings"
	"time"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
)

const (
	// isoOut matches the canonical stored form: second (or microsecond)
	// precision with an explicit numeric offset.
	isoOut = "2006-01-02T15:04:05.999999-07:00"

	isoNaive = "2006-01-02T15:04:05.999999999"
	dateOnly = "2006-01-02"
)

// NowUTC returns the current wall clock in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToISO serializes t as an ISO-8601 string in UTC with a +00:00 offset.
// Parsing the result back with ParseISOToUTC and re-emitting yields the
// identical string.
func ToISO(t time.Time) string {
	return t.UTC().Format(isoOut)
}

// ParseISOToUTC parses an ISO-8601 string into a UTC time. Accepted
// forms: trailing "Z", explicit offset, or naive (assumed UTC).
func ParseISOToUTC(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, apperrors.New(apperrors.ErrorTypeValidation, "empty datetime string")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(isoNaive, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperrors.Newf(apperrors.ErrorTypeValidation, "invalid timestamp %q", s)
}

// NormalizeDue canonicalizes a deadline string. A bare date YYYY-MM-DD is
// interpreted as midnight UTC; anything else must be an ISO datetime.
// The result is a canonical UTC ISO string.
func NormalizeDue(due string) (string, error) {
	due = strings.TrimSpace(due)
	if due == "" {
		return "", apperrors.New(apperrors.ErrorTypeValidation, "empty due date")
	}

	if t, err := time.Parse(dateOnly, due); err == nil && len(due) == len(dateOnly) {
		return ToISO(t), nil
	}

	t, err := ParseISOToUTC(due)
	if err != nil {
		return "", err
	}
	return ToISO(t), nil
}

// AddMinutes parses due (ISO datetime or bare date) and returns a UTC ISO
// string offset by the given minutes. An empty input yields an empty
// output.
func AddMinutes(due string, minutes int) (string, error) {
	if due == "" {
		return "", nil
	}

	var t time.Time
	if parsed, err := time.Parse(dateOnly, due); err == nil && len(due) == len(dateOnly) {
		t = parsed
	} else {
		parsed, err := ParseISOToUTC(due)
		if err != nil {
			return "", err
		}
		t = parsed
	}
	return ToISO(t.Add(time.Duration(minutes) * time.Minute)), nil
}

// NextDailySlot returns the next occurrence of hour:min in loc strictly
// after now's local slot boundary: today if the slot is still ahead,
// otherwise tomorrow. The result is in UTC.
func NextDailySlot(now time.Time, hour, min int, loc *time.Location) time.Time {
	local := now.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, min, 0, 0, loc)
	if !local.Before(slot) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot.UTC()
}
