package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble is the durable Store implementation backed by a pebble LSM tree.
//
// Pebble has no native read-modify-write primitive, so increments serialize
// behind the store's own mutex; batches commit through pebble's atomic
// NewBatch path. Expiry lives in the value envelope and is enforced on read.
type Pebble struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// mu serializes increments and batch commits so IncrBy stays atomic
	// with respect to concurrent batch writers.
	mu sync.Mutex

	now func() time.Time
}

// OpenPebble opens (or creates) a pebble store under dir.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create kv parent dir: %w", err)
	}

	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{
		db:        db,
		writeOpts: pebble.Sync,
		now:       time.Now,
	}, nil
}

func (p *Pebble) Get(key string) ([]byte, bool, error) {
	raw, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	defer closer.Close()

	payload, live := decodeValue(raw, p.now())
	if !live {
		return nil, false, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true, nil
}

func (p *Pebble) Set(key string, value []byte, ttl time.Duration) error {
	enc := encodeValue(value, expiry(p.now(), ttl))
	if err := p.db.Set([]byte(key), enc, p.writeOpts); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(key string) error {
	if err := p.db.Delete([]byte(key), p.writeOpts); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

func (p *Pebble) IncrBy(key string, delta int64, ttl time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current int64
	raw, closer, err := p.db.Get([]byte(key))
	switch {
	case err == nil:
		payload, live := decodeValue(raw, p.now())
		if live {
			current = decodeInt(payload)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
		// Counter starts at zero.
	default:
		return 0, fmt.Errorf("kv incr read %q: %w", key, err)
	}

	next := current + delta
	enc := encodeValue(encodeInt(next), expiry(p.now(), ttl))
	if err := p.db.Set([]byte(key), enc, p.writeOpts); err != nil {
		return 0, fmt.Errorf("kv incr write %q: %w", key, err)
	}
	return next, nil
}

func (p *Pebble) GetInt(key string) (int64, bool, error) {
	payload, ok, err := p.Get(key)
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeInt(payload), true, nil
}

func (p *Pebble) Scan(prefix string, fn func(key string, value []byte) (bool, error)) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	defer iter.Close()

	now := p.now()
	for iter.First(); iter.Valid(); iter.Next() {
		payload, live := decodeValue(iter.Value(), now)
		if !live {
			continue
		}
		cont, err := fn(string(iter.Key()), payload)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return iter.Error()
}

func (p *Pebble) Batch() Batch {
	return &pebbleBatch{store: p, batch: p.db.NewBatch()}
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleBatch struct {
	store *Pebble
	batch *pebble.Batch
}

func (b *pebbleBatch) Set(key string, value []byte, ttl time.Duration) {
	enc := encodeValue(value, expiry(b.store.now(), ttl))
	_ = b.batch.Set([]byte(key), enc, nil)
}

func (b *pebbleBatch) Delete(key string) {
	_ = b.batch.Delete([]byte(key), nil)
}

func (b *pebbleBatch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	defer b.batch.Close()
	if err := b.batch.Commit(b.store.writeOpts); err != nil {
		return fmt.Errorf("kv batch commit: %w", err)
	}
	return nil
}
