package store

import (
	"context"
	"errors"
	"time"

	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
)

// ErrQuotaExhausted is returned by ConsumeQuota when the counter is already at
// its limit at write time. The returned ledger is the stored state.
var ErrQuotaExhausted = errors.New("quota exhausted")

// LedgerStore persists one quota ledger per account.
type LedgerStore interface {
	// GetLedger returns the stored ledger without creating one.
	GetLedger(ctx context.Context, accountID string) (domain.QuotaLedger, bool, error)
	// LoadOrInitLedger returns the stored ledger, creating a zeroed one dated
	// today when absent. Concurrent calls for one account create one row.
	LoadOrInitLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error)
	// ResetLedger persists the daily reset for a ledger last reset before
	// today. A ledger already dated today is left as is.
	ResetLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error)
	// ConsumeQuota reconciles the day and increments the counter of kind in
	// one atomic step, only while the counter is below limit.
	ConsumeQuota(ctx context.Context, accountID string, kind quota.Kind, today time.Time, limit int) (domain.QuotaLedger, error)
}

// DocumentStore persists the single document slot of an account.
type DocumentStore interface {
	// ReplaceDocument creates the slot or replaces the existing one.
	ReplaceDocument(ctx context.Context, slot domain.DocumentSlot) (domain.DocumentSlot, error)
	CurrentDocument(ctx context.Context, accountID string) (domain.DocumentSlot, bool, error)
	ClearDocument(ctx context.Context, accountID string) error
}

// Store combines ledger and document persistence.
type Store interface {
	LedgerStore
	DocumentStore
}
