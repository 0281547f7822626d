package database

import "sync"

// memoryBackend keeps everything in maps. ListTable follows map iteration
// order, so callers must not rely on any ordering.
type memoryBackend struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		tables: make(map[string]map[string][]byte),
	}
}

func (m *memoryBackend) NewTable(tableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[tableName]; !ok {
		m.tables[tableName] = make(map[string][]byte)
	}
	return nil
}

func (m *memoryBackend) TableExists(tableName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[tableName]
	return ok
}

func (m *memoryBackend) DropTable(tableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, tableName)
	return nil
}

func (m *memoryBackend) Write(tableName string, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[tableName]
	if !ok {
		return ErrTableNotFound
	}
	table[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Read(tableName string, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.tables[tableName]
	if !ok {
		return nil, false, ErrTableNotFound
	}
	value, ok := table[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *memoryBackend) Delete(tableName string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table, ok := m.tables[tableName]; ok {
		delete(table, key)
	}
	return nil
}

func (m *memoryBackend) ListTable(tableName string) ([][][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.tables[tableName]
	if !ok {
		return nil, ErrTableNotFound
	}
	results := make([][][]byte, 0, len(table))
	for k, v := range table {
		results = append(results, [][]byte{[]byte(k), append([]byte(nil), v...)})
	}
	return results, nil
}

func (m *memoryBackend) Close() error {
	return nil
}
