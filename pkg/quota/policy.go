// Package quota holds the daily usage policy: limits, the lazy reset rule and
// the check-and-increment step applied to a ledger.
package quota

import (
	"fmt"
	"time"

	"sciecho/pkg/domain"
)

const (
	// UploadLimit is the number of paper uploads allowed per account per UTC day.
	UploadLimit = 1
	// QuestionLimit is the number of answered questions allowed per account per UTC day.
	QuestionLimit = 3

	// DateLayout formats a ledger reset date.
	DateLayout = "2006-01-02"
)

// Kind names a quota counter.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindQuestion Kind = "question"
)

// ParseKind validates a counter name.
func ParseKind(v string) (Kind, error) {
	switch Kind(v) {
	case KindUpload, KindQuestion:
		return Kind(v), nil
	default:
		return "", fmt.Errorf("unknown quota kind %q", v)
	}
}

// Limits are the active per-day limits.
type Limits struct {
	Uploads   int
	Questions int
}

// DefaultLimits returns the free-tier limits.
func DefaultLimits() Limits {
	return Limits{Uploads: UploadLimit, Questions: QuestionLimit}
}

// For returns the limit of the given counter.
func (l Limits) For(kind Kind) int {
	if kind == KindUpload {
		return l.Uploads
	}
	return l.Questions
}

// DayOf returns the UTC calendar date of t as midnight UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset is the instant the ledger for today becomes stale.
func NextReset(today time.Time) time.Time {
	return DayOf(today).AddDate(0, 0, 1)
}

// FormatDay renders a reset date.
func FormatDay(day time.Time) string {
	if day.IsZero() {
		return ""
	}
	return DayOf(day).Format(DateLayout)
}

// IsStale reports whether the ledger was last reset on a day other than today.
func IsStale(ledger domain.QuotaLedger, today time.Time) bool {
	return !DayOf(ledger.LastResetDate).Equal(DayOf(today))
}

// Reconcile applies the lazy daily reset. A ledger already reset today is
// returned unchanged; any other ledger comes back with zero counters.
func Reconcile(ledger domain.QuotaLedger, today time.Time) domain.QuotaLedger {
	if !IsStale(ledger, today) {
		return ledger
	}
	return domain.QuotaLedger{
		AccountID:     ledger.AccountID,
		LastResetDate: DayOf(today),
		UpdatedAt:     ledger.UpdatedAt,
	}
}

// TryConsume increments the counter of kind when it is below limit.
// When not allowed the ledger is returned unchanged.
func TryConsume(ledger domain.QuotaLedger, kind Kind, limit int) (bool, domain.QuotaLedger) {
	switch kind {
	case KindUpload:
		if ledger.UploadsToday >= limit {
			return false, ledger
		}
		ledger.UploadsToday++
	case KindQuestion:
		if ledger.QuestionsToday >= limit {
			return false, ledger
		}
		ledger.QuestionsToday++
	default:
		return false, ledger
	}
	return true, ledger
}

// TryConsumeUpload checks and applies one upload against the upload limit.
func (l Limits) TryConsumeUpload(ledger domain.QuotaLedger) (bool, domain.QuotaLedger) {
	return TryConsume(ledger, KindUpload, l.Uploads)
}

// TryConsumeQuestion checks and applies one question against the question limit.
func (l Limits) TryConsumeQuestion(ledger domain.QuotaLedger) (bool, domain.QuotaLedger) {
	return TryConsume(ledger, KindQuestion, l.Questions)
}

// Usage renders the ledger against the limits.
func (l Limits) Usage(ledger domain.QuotaLedger) domain.Usage {
	return domain.Usage{
		UploadsToday:       ledger.UploadsToday,
		UploadLimit:        l.Uploads,
		QuestionsToday:     ledger.QuestionsToday,
		QuestionLimit:      l.Questions,
		UploadsRemaining:   max(l.Uploads-ledger.UploadsToday, 0),
		QuestionsRemaining: max(l.Questions-ledger.QuestionsToday, 0),
		ResetDate:          FormatDay(ledger.LastResetDate),
	}
}
