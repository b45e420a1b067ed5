// Package admission gates whether a submitted build job may run now: a
// tiered priority queue under a hard global capacity ceiling, plus wait-time
// estimation from recent throughput.
package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vlad-mantoiu/foundry/internal/kv"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// DefaultCapacity is the global in-flight ceiling when none is configured.
const DefaultCapacity = 100

// Entry is one queued job.
type Entry struct {
	JobID string
	Tier  tier.Tier
}

// Result reports the outcome of an enqueue attempt. A rejected result is a
// structured value, not an error: hitting the capacity ceiling is expected.
type Result struct {
	Rejected bool
	Position int // 1-indexed effective position; 0 when rejected
}

// Queue holds per-tier FIFO entries in the shared store. The effective
// global order is (tier rank descending, sequence ascending): a later
// cto_scale job dequeues before an earlier bootstrapper job.
type Queue struct {
	store    kv.Store
	capacity int64
}

// NewQueue creates a queue over the store. capacity <= 0 selects
// DefaultCapacity.
func NewQueue(store kv.Store, capacity int64) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{store: store, capacity: capacity}
}

// Enqueue admits a job at its tier's priority, or rejects when the global
// in-flight count is at or above the ceiling.
func (q *Queue) Enqueue(ctx context.Context, jobID string, t tier.Tier) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	length, err := q.Len(ctx)
	if err != nil {
		return Result{}, err
	}
	if int64(length) >= q.capacity {
		return Result{Rejected: true}, nil
	}

	seq, err := q.store.IncrBy(kv.QueueSeqKey, 1, 0)
	if err != nil {
		return Result{}, fmt.Errorf("next queue sequence: %w", err)
	}

	key := kv.QueueKey(tier.MaxRank-t.Rank(), seq)
	if err := q.store.Set(key, []byte(jobID), 0); err != nil {
		return Result{}, fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	pos, err := q.Position(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	return Result{Position: pos}, nil
}

// Dequeue pops the head of the highest non-empty tier. ok=false on an empty
// queue.
func (q *Queue) Dequeue(ctx context.Context) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	var headKey string
	var head Entry
	err := q.store.Scan(kv.QueuePrefix, func(key string, value []byte) (bool, error) {
		headKey = key
		head = Entry{JobID: string(value), Tier: tierFromKey(key)}
		return false, nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("scan queue head: %w", err)
	}
	if headKey == "" {
		return Entry{}, false, nil
	}
	if err := q.store.Delete(headKey); err != nil {
		return Entry{}, false, fmt.Errorf("dequeue %s: %w", head.JobID, err)
	}
	return head, true, nil
}

// Remove drops a job's queue entry without dequeuing, for cancellation.
// Returns whether an entry was found.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var foundKey string
	err := q.store.Scan(kv.QueuePrefix, func(key string, value []byte) (bool, error) {
		if string(value) == jobID {
			foundKey = key
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("scan for removal: %w", err)
	}
	if foundKey == "" {
		return false, nil
	}
	if err := q.store.Delete(foundKey); err != nil {
		return false, fmt.Errorf("remove %s: %w", jobID, err)
	}
	return true, nil
}

// Len returns the total entries across all tiers.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := q.store.Scan(kv.QueuePrefix, func(string, []byte) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}

// Position computes the 1-indexed rank of a job under the effective global
// ordering without mutating the queue. Returns 0 when the job is not queued.
func (q *Queue) Position(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pos := 0
	found := 0
	err := q.store.Scan(kv.QueuePrefix, func(_ string, value []byte) (bool, error) {
		pos++
		if string(value) == jobID {
			found = pos
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan for position: %w", err)
	}
	return found, nil
}

// tierFromKey recovers the tier from a queue key's inverted rank segment.
func tierFromKey(key string) tier.Tier {
	parts := strings.SplitN(key, "!", 3)
	if len(parts) != 3 {
		return tier.Bootstrapper
	}
	invRank, err := strconv.Atoi(parts[1])
	if err != nil {
		return tier.Bootstrapper
	}
	return tier.FromRank(tier.MaxRank - invRank)
}
