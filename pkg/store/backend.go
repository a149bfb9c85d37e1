package store

import (
	"context"
	"sync"
)

// Document keys. Each key holds one whole JSON document.
const (
	KeyIntents    = "intents"
	KeyExecutions = "executions"
	KeyProfits    = "profits"
	KeySignatures = "signatures"
)

var allKeys = []string{KeyIntents, KeyExecutions, KeyProfits, KeySignatures}

// Backend persists whole documents under fixed keys.
//
// Update runs fn with the current documents for keys (absent keys are nil)
// and writes back every entry fn leaves in the map. The read and the write
// happen in one transaction so concurrent writers, including other
// processes sharing the backend, cannot interleave.
type Backend interface {
	View(ctx context.Context, keys []string) (map[string][]byte, error)
	Update(ctx context.Context, keys []string, fn func(docs map[string][]byte) error) error
	Close() error
}

type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

func (m *MemoryBackend) View(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(keys), nil
}

func (m *MemoryBackend) Update(_ context.Context, keys []string, fn func(docs map[string][]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.snapshot(keys)
	if err := fn(docs); err != nil {
		return err
	}
	for k, v := range docs {
		m.docs[k] = append([]byte(nil), v...)
	}
	return nil
}

// Put writes a raw document, bypassing the store. Tests use it to simulate
// corrupted data.
func (m *MemoryBackend) Put(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), body...)
}

func (m *MemoryBackend) Close() error {
	return nil
}

func (m *MemoryBackend) snapshot(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.docs[k]; ok {
			out[k] = append([]byte(nil), v...)
		} else {
			out[k] = nil
		}
	}
	return out
}
