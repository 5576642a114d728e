package journal

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Journal = (*Memory)(nil)

// Memory is a non-durable Journal for tests and throwaway devnets.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     map[string]int
	next    int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), seq: make(map[string]int), now: time.Now}
}

func cloneRecord(r Record) Record {
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	r.Result = append(json.RawMessage(nil), r.Result...)
	return r
}

func (m *Memory) Append(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.ID] = cloneRecord(rec)
	m.next++
	m.seq[rec.ID] = m.next
	return cloneRecord(rec), nil
}

func (m *Memory) Update(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) list(match func(Record) bool, limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ListOpen(_ context.Context, limit int) ([]Record, error) {
	return m.list(func(r Record) bool { return r.State.Open() }, limit), nil
}

func (m *Memory) ListByEntity(_ context.Context, entityKey string) ([]Record, error) {
	return m.list(func(r Record) bool { return r.EntityKey == entityKey }, 0), nil
}

func (m *Memory) ListByState(_ context.Context, state State, limit int) ([]Record, error) {
	return m.list(func(r Record) bool { return r.State == state }, limit), nil
}
