// Package kv provides the shared key-value store every scheduling component
// coordinates through. It offers atomic single-key operations, all-or-nothing
// multi-key batches, ordered prefix scans, and per-key expiry.
package kv

import (
	"encoding/binary"
	"time"
)

// Store is the shared key-value store contract. Single-key increments are
// atomic by construction; multi-key mutations go through a Batch and are
// never observed half-applied.
type Store interface {
	// Get returns the value for key, or ok=false if the key is missing or
	// its expiry has passed.
	Get(key string) (value []byte, ok bool, err error)

	// Set writes key=value. A ttl of zero means no expiry.
	Set(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// IncrBy atomically adds delta to the integer at key, creating it at
	// zero if missing or expired. A non-zero ttl refreshes the expiry on
	// every call. Returns the new value.
	IncrBy(key string, delta int64, ttl time.Duration) (int64, error)

	// GetInt reads the integer at key. ok=false when missing or expired.
	GetInt(key string) (value int64, ok bool, err error)

	// Scan visits live entries with the given key prefix in ascending key
	// order. The callback returns false to stop early.
	Scan(prefix string, fn func(key string, value []byte) (bool, error)) error

	// Batch starts an atomic multi-key write batch.
	Batch() Batch

	Close() error
}

// Batch accumulates writes that commit atomically.
type Batch interface {
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Commit() error
}

// Values are stored in an envelope: 8 bytes of big-endian expiry
// (unix nanoseconds, 0 = never) followed by the payload. Expired entries are
// treated as missing on read and reclaimed lazily.

const envelopeHeader = 8

func encodeValue(payload []byte, expiresAt time.Time) []byte {
	buf := make([]byte, envelopeHeader+len(payload))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	}
	copy(buf[envelopeHeader:], payload)
	return buf
}

// decodeValue unwraps an envelope. live=false when the entry has expired.
func decodeValue(raw []byte, now time.Time) (payload []byte, live bool) {
	if len(raw) < envelopeHeader {
		return nil, false
	}
	expiresNs := binary.BigEndian.Uint64(raw)
	if expiresNs != 0 && now.UnixNano() >= int64(expiresNs) {
		return nil, false
	}
	return raw[envelopeHeader:], true
}

func encodeInt(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt(payload []byte) int64 {
	if len(payload) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(payload))
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			upper := make([]byte, i+1)
			copy(upper, b[:i+1])
			upper[i]++
			return upper
		}
	}
	return nil
}
