package store

import (
	"context"
	"sync"
	"time"

	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
)

// MemoryStore keeps ledgers and document slots in-process. It backs tests and
// single-instance deployments without a database.
type MemoryStore struct {
	mu        sync.Mutex
	ledgers   map[string]domain.QuotaLedger
	documents map[string]domain.DocumentSlot
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:   make(map[string]domain.QuotaLedger),
		documents: make(map[string]domain.DocumentSlot),
	}
}

func (m *MemoryStore) GetLedger(_ context.Context, accountID string) (domain.QuotaLedger, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[accountID]
	return ledger, ok, nil
}

func (m *MemoryStore) LoadOrInitLedger(_ context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadOrInitLocked(accountID, today), nil
}

func (m *MemoryStore) ResetLedger(_ context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.loadOrInitLocked(accountID, today)
	if !isBehind(ledger, today) {
		return ledger, nil
	}
	ledger = quota.Reconcile(ledger, today)
	ledger.UpdatedAt = time.Now().UTC()
	m.ledgers[accountID] = ledger
	return ledger, nil
}

// ConsumeQuota reconciles and consumes under the store mutex.
func (m *MemoryStore) ConsumeQuota(_ context.Context, accountID string, kind quota.Kind, today time.Time, limit int) (domain.QuotaLedger, error) {
	if _, err := quota.ParseKind(string(kind)); err != nil {
		return domain.QuotaLedger{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := advance(m.loadOrInitLocked(accountID, today), today)
	allowed, next := quota.TryConsume(current, kind, limit)
	if !allowed {
		return current, ErrQuotaExhausted
	}
	next.UpdatedAt = time.Now().UTC()
	m.ledgers[accountID] = next
	return next, nil
}

func (m *MemoryStore) ReplaceDocument(_ context.Context, slot domain.DocumentSlot) (domain.DocumentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[slot.AccountID] = slot
	return slot, nil
}

func (m *MemoryStore) CurrentDocument(_ context.Context, accountID string) (domain.DocumentSlot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.documents[accountID]
	return slot, ok, nil
}

func (m *MemoryStore) ClearDocument(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, accountID)
	return nil
}

func (m *MemoryStore) loadOrInitLocked(accountID string, today time.Time) domain.QuotaLedger {
	if ledger, ok := m.ledgers[accountID]; ok {
		return ledger
	}
	ledger := domain.QuotaLedger{
		AccountID:     accountID,
		LastResetDate: quota.DayOf(today),
		UpdatedAt:     time.Now().UTC(),
	}
	m.ledgers[accountID] = ledger
	return ledger
}

// isBehind reports whether the ledger was last reset before today. Stores
// never move a ledger backwards, so a caller whose clock lags another
// instance's cannot zero counters that instance already rolled forward.
func isBehind(ledger domain.QuotaLedger, today time.Time) bool {
	return quota.DayOf(ledger.LastResetDate).Before(quota.DayOf(today))
}

// advance applies the daily reset only to a ledger dated before today.
func advance(ledger domain.QuotaLedger, today time.Time) domain.QuotaLedger {
	if !isBehind(ledger, today) {
		return ledger
	}
	return quota.Reconcile(ledger, today)
}
