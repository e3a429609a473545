package escrow

import "sync"

// accountLocks serializes autofill-through-submit per signing account.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until account is free and returns the unlock func.
func (a *accountLocks) lock(account string) func() {
	a.mu.Lock()
	l, ok := a.locks[account]
	if !ok {
		l = &sync.Mutex{}
		a.locks[account] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}
