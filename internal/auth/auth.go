// Package auth provides API key authentication for the gateway.
//
// Authentication model:
//   - Cached generations are served without credentials
//   - Uncached generations and balance reads require an API key bound to an account
//   - Trusted keys skip admission spacing (bypass)
//   - Operator routes use a shared admin secret, worker heartbeats a worker secret
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

const (
	keyPrefix = "sk_"

	// touchInterval bounds how often a busy key writes its LastUsed time.
	touchInterval = time.Minute
)

// APIKey is the stored half of a credential. The raw key is never kept.
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"` // SHA256 hash of key (stored)
	AccountID string    `json:"accountId"`
	Name      string    `json:"name"`
	Trusted   bool      `json:"trusted"` // grants admission bypass
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and resolves API keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey issues a key for accountID. The raw key is returned once and
// only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, accountID, name string, trusted bool) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = keyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		AccountID: accountID,
		Name:      name,
		Trusted:   trusted,
		CreatedAt: m.now().UTC(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its
// account. Unknown and revoked keys both yield ErrInvalidAPIKey.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	if now := m.now().UTC(); now.Sub(key.LastUsed) >= touchInterval {
		touched := *key
		touched.LastUsed = now
		go func() {
			_ = m.store.Update(context.WithoutCancel(ctx), &touched)
		}()
	}

	return key, nil
}

// ListKeys returns every key of an account, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.GetByAccount(ctx, accountID)
}

// RevokeKey revokes keyID if it belongs to accountID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.GetByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore keeps keys in process, for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey
	byHash map[string]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[s.byHash[hash]]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByAccount(ctx context.Context, accountID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update only touches mutable fields so a stale last-used write cannot
// resurrect a revoked key.
func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if key.LastUsed.After(k.LastUsed) {
		k.LastUsed = key.LastUsed
	}
	k.Revoked = k.Revoked || key.Revoked
	return nil
}
