package kv

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by callers that want the
// scheduling core without durable state. Semantics match Pebble exactly.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// Now is the clock; tests override it to drive expiry.
	Now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		Now:     time.Now,
	}
}

func (m *Memory) live(e memEntry, now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e, m.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = memEntry{value: v, expiresAt: expiry(m.Now(), ttl)}
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) IncrBy(key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var current int64
	if e, ok := m.entries[key]; ok && m.live(e, now) {
		current = decodeInt(e.value)
	}
	next := current + delta
	m.entries[key] = memEntry{value: encodeInt(next), expiresAt: expiry(now, ttl)}
	return next, nil
}

func (m *Memory) GetInt(key string) (int64, bool, error) {
	payload, ok, err := m.Get(key)
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeInt(payload), true, nil
}

func (m *Memory) Scan(prefix string, fn func(key string, value []byte) (bool, error)) error {
	m.mu.Lock()
	now := m.Now()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && m.live(e, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.entries[k].value
	}
	m.mu.Unlock()

	for _, k := range keys {
		cont, err := fn(k, snapshot[k])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *Memory) Batch() Batch {
	return &memBatch{store: m}
}

func (m *Memory) Close() error { return nil }

type memOp struct {
	key    string
	value  []byte
	ttl    time.Duration
	delete bool
}

type memBatch struct {
	store *Memory
	ops   []memOp
}

func (b *memBatch) Set(key string, value []byte, ttl time.Duration) {
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, memOp{key: key, value: v, ttl: ttl})
}

func (b *memBatch) Delete(key string) {
	b.ops = append(b.ops, memOp{key: key, delete: true})
}

func (b *memBatch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	now := b.store.Now()
	for _, op := range b.ops {
		if op.delete {
			delete(b.store.entries, op.key)
			continue
		}
		b.store.entries[op.key] = memEntry{value: op.value, expiresAt: expiry(now, op.ttl)}
	}
	b.ops = nil
	return nil
}
