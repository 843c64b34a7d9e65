package store

import "sync"

type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryKV) read() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memoryKV) write(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values = make(map[string]string, len(values))
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *memoryKV) close() error { return nil }

// NewMemoryStore returns a store that lives only as long as the process.
// The password is kept as entered.
func NewMemoryStore(sessionID string) *KVStore {
	return newKVStore(sessionID, &memoryKV{}, plainSealer{})
}
