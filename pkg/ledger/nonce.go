package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Locker serializes the fetch-nonce, build, sign, submit sequence per account.
// Confirmation waits happen outside the lock.
type Locker interface {
	// Lock blocks until the account is held or ctx is done. The returned
	// function releases it and is safe to call once.
	Lock(ctx context.Context, account common.Address) (unlock func(), err error)
}

// NonceStore remembers the last nonce this process (or fleet) submitted, so a
// node whose pending count lags behind still yields a fresh nonce.
type NonceStore interface {
	// Last returns the last submitted nonce; ok is false when none is known.
	Last(ctx context.Context, account common.Address) (nonce uint64, ok bool, err error)

	// Store records nonce as the last submitted one.
	Store(ctx context.Context, account common.Address, nonce uint64) error

	// Reset forgets the account so the next nonce comes from chain state alone.
	Reset(ctx context.Context, account common.Address) error
}

// LocalLocker is an in-process Locker: one slot per account.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[common.Address]chan struct{})}
}

func (l *LocalLocker) slot(account common.Address) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[account]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[account] = s
	}
	return s
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	s := l.slot(account)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryNonceStore keeps the last submitted nonce in memory.
type MemoryNonceStore struct {
	mu   sync.Mutex
	last map[common.Address]uint64
}

// NewMemoryNonceStore creates an empty in-memory store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{last: make(map[common.Address]uint64)}
}

// Last implements NonceStore.
func (m *MemoryNonceStore) Last(_ context.Context, account common.Address) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.last[account]
	return n, ok, nil
}

// Store implements NonceStore.
func (m *MemoryNonceStore) Store(_ context.Context, account common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[account] = nonce
	return nil
}

// Reset implements NonceStore.
func (m *MemoryNonceStore) Reset(_ context.Context, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, account)
	return nil
}

// nextNonce picks max(chain pending nonce, last submitted + 1).
func nextNonce(pending uint64, last uint64, haveLast bool) uint64 {
	if haveLast && last+1 > pending {
		return last + 1
	}
	return pending
}

var (
	_ Locker     = (*LocalLocker)(nil)
	_ NonceStore = (*MemoryNonceStore)(nil)
)
