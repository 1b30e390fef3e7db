package docstore

import (
	"context"
	"strings"
	"sync"

	"github.com/cuemby/playervault/pkg/errs"
)

type memDoc struct {
	payload []byte
	version uint64
}

// Memory is an in-process Store backed by a mutex-guarded map, for
// tests and for hosts that accept losing all state on restart.
type Memory struct {
	mu   sync.Mutex
	docs map[string]memDoc
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]memDoc)}
}

func (m *Memory) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, 0, errs.New(errs.KeyNotFound, id, ErrNotFound)
	}
	out := make([]byte, len(doc.payload))
	copy(out, doc.payload)
	return out, doc.version, nil
}

func (m *Memory) Put(ctx context.Context, id string, payload []byte, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.docs[id]
	if exists && current.version != expectedVersion {
		return 0, errs.New(errs.TerminalBackendError, id, ErrVersionConflict)
	}
	if !exists && expectedVersion != 0 {
		return 0, errs.New(errs.TerminalBackendError, id, ErrVersionConflict)
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	newVersion := current.version + 1
	m.docs[id] = memDoc{payload: stored, version: newVersion}
	return newVersion, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.docs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Close() error { return nil }
