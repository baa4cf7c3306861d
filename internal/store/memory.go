package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
)

// Memory is a volatile Store used when SQLite is unavailable (quota,
// permissions). Data lives only for the process lifetime; the engine keeps
// running in a degraded, memory-only mode.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]entity.Record
	order   map[string][]string // insertion order per collection
	queue   map[int64]Mutation
	nextSeq int64
	meta    map[string]SyncMeta
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]entity.Record),
		order:   make(map[string][]string),
		queue:   make(map[int64]Mutation),
		nextSeq: 1,
		meta:    make(map[string]SyncMeta),
	}
}

func (m *Memory) Put(collection string, recs ...entity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("put %s: record missing id", collection)
		}
		m.putLocked(collection, rec)
	}
	return nil
}

func (m *Memory) putLocked(collection string, rec entity.Record) {
	coll, ok := m.records[collection]
	if !ok {
		coll = make(map[string]entity.Record)
		m.records[collection] = coll
	}
	if _, exists := coll[rec.ID]; !exists {
		m.order[collection] = append(m.order[collection], rec.ID)
	}
	coll[rec.ID] = rec
}

func (m *Memory) GetAll(collection string) ([]entity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll := m.records[collection]
	recs := make([]entity.Record, 0, len(coll))
	for _, id := range m.order[collection] {
		if rec, ok := coll[id]; ok {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs, nil
}

func (m *Memory) GetByID(collection, id string) (*entity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[collection][id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *Memory) Delete(collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[collection], id)
	// Drop the id from the insertion order too, or a later Put of the same
	// id would append it a second time.
	order := m.order[collection]
	for i, existing := range order {
		if existing == id {
			m.order[collection] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Clear(collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, collection)
	delete(m.order, collection)
	return nil
}

func (m *Memory) ReplaceAll(collection string, recs []entity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, collection)
	delete(m.order, collection)
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("replace %s: record missing id", collection)
		}
		m.putLocked(collection, rec)
	}
	return nil
}

func (m *Memory) Enqueue(mut Mutation) (int64, error) {
	if err := mut.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mut.Seq = m.nextSeq
	m.nextSeq++
	mut.EnqueuedAt = time.Now().UTC()
	m.queue[mut.Seq] = mut
	return mut.Seq, nil
}

func (m *Memory) ListPending() ([]Mutation, error) {
	return m.listQueue(false), nil
}

func (m *Memory) ListAbandoned() ([]Mutation, error) {
	return m.listQueue(true), nil
}

func (m *Memory) listQueue(abandoned bool) []Mutation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var muts []Mutation
	for _, mut := range m.queue {
		if (mut.AbandonedAt != nil) == abandoned {
			muts = append(muts, mut)
		}
	}
	sort.Slice(muts, func(i, j int) bool { return muts[i].Seq < muts[j].Seq })
	return muts
}

func (m *Memory) RemoveFromQueue(seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[seq]; !ok {
		return fmt.Errorf("remove queue seq=%d: not found", seq)
	}
	delete(m.queue, seq)
	return nil
}

func (m *Memory) BumpRetry(seq int64, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mut, ok := m.queue[seq]
	if !ok {
		return fmt.Errorf("bump retry seq=%d: not found", seq)
	}
	mut.RetryCount++
	mut.LastError = cause
	m.queue[seq] = mut
	return nil
}

func (m *Memory) Abandon(seq int64, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mut, ok := m.queue[seq]
	if !ok || mut.AbandonedAt != nil {
		return fmt.Errorf("abandon seq=%d: not found or already abandoned", seq)
	}
	ts := time.Now().UTC()
	mut.AbandonedAt = &ts
	mut.LastError = cause
	m.queue[seq] = mut
	return nil
}

func (m *Memory) Requeue(seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mut, ok := m.queue[seq]
	if !ok || mut.AbandonedAt == nil {
		return fmt.Errorf("requeue seq=%d: not found or not abandoned", seq)
	}
	mut.AbandonedAt = nil
	mut.RetryCount = 0
	mut.LastError = ""
	m.queue[seq] = mut
	return nil
}

func (m *Memory) CountPending() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, mut := range m.queue {
		if mut.AbandonedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetSyncMeta(collection string, lastSync time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[collection] = SyncMeta{
		Collection: collection,
		LastSyncAt: lastSync.UTC(),
		SyncedAt:   time.Now().UTC(),
	}
	return nil
}

func (m *Memory) GetSyncMeta(collection string) (*SyncMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if meta, ok := m.meta[collection]; ok {
		return &meta, nil
	}
	return nil, nil
}

func (m *Memory) Close() error {
	return nil
}
