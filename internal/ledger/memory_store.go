package ledger

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/genmeter/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts   map[string]*Account
	wallets    map[string]string // lowercased wallet -> account id
	entries    []*Entry
	creditRefs map[string]bool
	locks      *syncutil.KeyLock
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		wallets:    make(map[string]string),
		creditRefs: make(map[string]bool),
		locks:      syncutil.NewKeyLock(0),
	}
}

func copyAccount(a *Account) *Account {
	cp := *a
	if a.LastGrantAt != nil {
		t := *a.LastGrantAt
		cp.LastGrantAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	if acct.WalletAddress != "" {
		if _, ok := m.wallets[acct.WalletAddress]; ok {
			return ErrAccountExists
		}
		m.wallets[acct.WalletAddress] = acct.ID
	}
	m.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (m *MemoryStore) GetAccountByWallet(ctx context.Context, wallet string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.wallets[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(m.accounts[id]), nil
}

// Update holds the account's shard lock for the whole read-modify-write so
// fn never runs concurrently for the same account.
func (m *MemoryStore) Update(ctx context.Context, id string, fn func(acct *Account) (*Entry, error)) (*Account, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := m.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry != nil && entry.Type == EntryCredit && entry.Reference != "" {
		if m.creditRefs[entry.Reference] {
			return nil, ErrDuplicateCredit
		}
		m.creditRefs[entry.Reference] = true
	}
	m.accounts[id] = copyAccount(acct)
	if entry != nil {
		m.entries = append(m.entries, entry)
	}
	return copyAccount(acct), nil
}

func (m *MemoryStore) ListDueForRefill(ctx context.Context, periodStart time.Time, afterID string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Account
	for _, acct := range m.accounts {
		if acct.ID <= afterID {
			continue
		}
		if acct.LastGrantAt == nil || acct.LastGrantAt.Before(periodStart) {
			due = append(due, copyAccount(acct))
		}
	}
	slices.SortFunc(due, func(a, b *Account) int { return strings.Compare(a.ID, b.ID) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == id {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}
