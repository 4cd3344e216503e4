// Package audit holds the append-only capsule log and its query index.
//
// The log is an ordered sequence keyed by sequence_number. Stores never
// rewrite a row: sealing appends, verification reads. Query serves the
// explainability surface (by actor, since, most recent first).
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

var (
	ErrNotFound         = errors.New("capsule not found")
	ErrSequenceConflict = errors.New("capsule sequence already appended")
	ErrNonContiguousSeq = errors.New("capsule sequence is not contiguous")
)

// Query filters an audit scan. Zero values are unbounded.
type Query struct {
	Actor string
	Since time.Time
	Limit int
}

// Store is the append-only ordered capsule log.
type Store interface {
	// Append adds a sealed capsule. The sequence must be exactly one
	// past the current head.
	Append(ctx context.Context, c contracts.Capsule) error

	// Get returns the capsule at a sequence number.
	Get(ctx context.Context, seq uint64) (*contracts.Capsule, error)

	// Range returns capsules with from <= sequence <= to, ascending.
	Range(ctx context.Context, from, to uint64) ([]contracts.Capsule, error)

	// Search returns capsules matching the query, most recent first.
	Search(ctx context.Context, q Query) ([]contracts.Capsule, error)

	// Head returns the highest-sequence capsule, or ErrNotFound on an
	// empty log.
	Head(ctx context.Context) (*contracts.Capsule, error)

	// Len returns the number of appended capsules.
	Len(ctx context.Context) (uint64, error)
}

// MemoryStore keeps the log in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	capsules []contracts.Capsule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, c contracts.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(len(s.capsules)) + 1
	switch {
	case c.SequenceNumber < next:
		return ErrSequenceConflict
	case c.SequenceNumber > next:
		return ErrNonContiguousSeq
	}
	s.capsules = append(s.capsules, c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, seq uint64) (*contracts.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq == 0 || seq > uint64(len(s.capsules)) {
		return nil, ErrNotFound
	}
	c := s.capsules[seq-1]
	return &c, nil
}

func (s *MemoryStore) Range(ctx context.Context, from, to uint64) ([]contracts.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	max := uint64(len(s.capsules))
	if to == 0 || to > max {
		to = max
	}
	if from > to {
		return nil, nil
	}
	out := make([]contracts.Capsule, to-from+1)
	copy(out, s.capsules[from-1:to])
	return out, nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]contracts.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Capsule
	for i := len(s.capsules) - 1; i >= 0; i-- {
		c := s.capsules[i]
		if q.Actor != "" && c.Intent.Actor != q.Actor {
			continue
		}
		if !q.Since.IsZero() && c.SealedAt.Before(q.Since) {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context) (*contracts.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.capsules) == 0 {
		return nil, ErrNotFound
	}
	c := s.capsules[len(s.capsules)-1]
	return &c, nil
}

func (s *MemoryStore) Len(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.capsules)), nil
}
