package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// NonceRecord is what a replayed client_nonce resolves to: the verdict
// originally produced and the capsule that sealed it.
type NonceRecord struct {
	IntentID        string            `json:"intent_id"`
	CapsuleSequence uint64            `json:"capsule_sequence"`
	Verdict         contracts.Verdict `json:"verdict"`
}

// NonceStore remembers client nonces within a bounded retention window so
// resubmission returns the original verdict instead of re-evaluating.
type NonceStore interface {
	// Lookup returns the record for a nonce, or nil if unseen or expired.
	Lookup(ctx context.Context, nonce string) (*NonceRecord, error)

	// Record stores the result for a nonce. Overwrites are harmless: the
	// record for one nonce is always the same result.
	Record(ctx context.Context, nonce string, rec NonceRecord) error
}

// MemoryNonceStore keeps nonces in process with TTL pruning on write.
type MemoryNonceStore struct {
	mu        sync.RWMutex
	entries   map[string]memoryNonceEntry
	retention time.Duration
	clock     func() time.Time
}

type memoryNonceEntry struct {
	rec      NonceRecord
	storedAt time.Time
}

func NewMemoryNonceStore(retention time.Duration) *MemoryNonceStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryNonceStore{
		entries:   make(map[string]memoryNonceEntry),
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryNonceStore) WithClock(clock func() time.Time) *MemoryNonceStore {
	s.clock = clock
	return s
}

func (s *MemoryNonceStore) Lookup(ctx context.Context, nonce string) (*NonceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[nonce]
	if !ok {
		return nil, nil
	}
	if s.clock().Sub(e.storedAt) > s.retention {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryNonceStore) Record(ctx context.Context, nonce string, rec NonceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	// Prune expired entries while we hold the write lock.
	for k, e := range s.entries {
		if now.Sub(e.storedAt) > s.retention {
			delete(s.entries, k)
		}
	}
	s.entries[nonce] = memoryNonceEntry{rec: rec, storedAt: now}
	return nil
}

// RedisNonceStore shares nonce state across kernel instances. Entries
// expire server-side via TTL.
type RedisNonceStore struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

func NewRedisNonceStore(client *redis.Client, retention time.Duration) *RedisNonceStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisNonceStore{client: client, retention: retention, prefix: "arbiter:nonce:"}
}

func (s *RedisNonceStore) Lookup(ctx context.Context, nonce string) (*NonceRecord, error) {
	val, err := s.client.Get(ctx, s.prefix+nonce).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nonce lookup: %w", err)
	}
	var rec NonceRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("nonce decode: %w", err)
	}
	return &rec, nil
}

func (s *RedisNonceStore) Record(ctx context.Context, nonce string, rec NonceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nonce encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+nonce, data, s.retention).Err(); err != nil {
		return fmt.Errorf("nonce record: %w", err)
	}
	return nil
}
