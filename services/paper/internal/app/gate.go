package app

import "sync"

// accountGate serializes short critical sections per account. Entries are
// dropped once no goroutine holds or waits for them.
type accountGate struct {
	mu    sync.Mutex
	locks map[string]*gateEntry
}

type gateEntry struct {
	mu   sync.Mutex
	refs int
}

func newAccountGate() *accountGate {
	return &accountGate{locks: make(map[string]*gateEntry)}
}

// Lock blocks until the account is free and returns the unlock function.
func (g *accountGate) Lock(accountID string) func() {
	g.mu.Lock()
	entry, ok := g.locks[accountID]
	if !ok {
		entry = &gateEntry{}
		g.locks[accountID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		g.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(g.locks, accountID)
		}
		g.mu.Unlock()
	}
}
