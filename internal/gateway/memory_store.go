package gateway

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory request log for demo/development mode.
type MemoryStore struct {
	logs map[string][]*RequestLog // accountID → logs, oldest first
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory request log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*RequestLog)}
}

func (m *MemoryStore) CreateLog(_ context.Context, log *RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.logs[log.AccountID] = append(m.logs[log.AccountID], &cp)
	return nil
}

// ListLogs returns the newest logs first.
func (m *MemoryStore) ListLogs(_ context.Context, accountID string, limit int) ([]*RequestLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := m.logs[accountID]
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}

	result := make([]*RequestLog, len(logs))
	for i, l := range logs {
		cp := *l
		result[len(logs)-1-i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) DeleteLogsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, logs := range m.logs {
		kept := logs[:0]
		for _, l := range logs {
			if l.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(m.logs, id)
			continue
		}
		m.logs[id] = kept
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
