package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryPersister keeps serialized records in memory. Records round-trip
// through JSON so it behaves like the durable backends.
type MemoryPersister struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryPersister constructs an empty persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{records: make(map[string][]byte)}
}

func (m *MemoryPersister) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = data
	return nil
}

func (m *MemoryPersister) Load(ctx context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (m *MemoryPersister) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryPersister) LoadAll(ctx context.Context, now time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, data := range m.records {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if now.Before(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PurgeExpired deletes records that ended before now.
func (m *MemoryPersister) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, data := range m.records {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || !now.Before(rec.ExpiresAt) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Raw returns the serialized record for id, for inspection in tests and tooling.
func (m *MemoryPersister) Raw(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[id]
	return data, ok
}
