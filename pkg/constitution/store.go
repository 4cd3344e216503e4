// Package constitution holds versioned rule sets and the stores that
// publish and serve them.
//
// Versions are monotonic integers, immutable once published. At most one
// version is active at any instant; readers always see a consistent
// snapshot while publication applies atomically.
package constitution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

var (
	ErrVersionNotFound  = errors.New("constitution version not found")
	ErrNoActiveVersion  = errors.New("no active constitution version")
	ErrVersionConflict  = errors.New("constitution version must be greater than the latest published version")
	ErrInvalidTimeScope = errors.New("effective_until must be after effective_from")
)

// Store is the read-mostly interface over published constitutions.
type Store interface {
	// Publish appends a new immutable version. The version number must be
	// strictly greater than every previously published version.
	Publish(ctx context.Context, c contracts.Constitution) error

	// Get returns one version by number.
	Get(ctx context.Context, version uint64) (*contracts.Constitution, error)

	// ActiveAt returns the version whose effective window covers t.
	ActiveAt(ctx context.Context, t time.Time) (*contracts.Constitution, error)

	// Versions lists published version numbers in ascending order.
	Versions(ctx context.Context) ([]uint64, error)
}

// MemoryStore is the in-process Store. Single writer, many readers.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[uint64]contracts.Constitution
	ordered  []uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[uint64]contracts.Constitution)}
}

func validate(c contracts.Constitution) error {
	if c.EffectiveUntil != nil && !c.EffectiveUntil.After(c.EffectiveFrom) {
		return ErrInvalidTimeScope
	}
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id in version %d", c.Version)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q in version %d", r.ID, c.Version)
		}
		seen[r.ID] = true
		switch r.Verdict {
		case contracts.OutcomeAllow, contracts.OutcomeDeny, contracts.OutcomeConditional:
		default:
			return fmt.Errorf("rule %q has unknown verdict %q", r.ID, r.Verdict)
		}
	}
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, c contracts.Constitution) error {
	if err := validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.ordered); n > 0 && c.Version <= s.ordered[n-1] {
		return ErrVersionConflict
	}
	// Deep-copy rules so callers cannot mutate a published version.
	cp := c
	cp.Rules = append([]contracts.Rule(nil), c.Rules...)
	s.versions[c.Version] = cp
	s.ordered = append(s.ordered, c.Version)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, version uint64) (*contracts.Constitution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	cp := c
	cp.Rules = append([]contracts.Rule(nil), c.Rules...)
	return &cp, nil
}

func (s *MemoryStore) ActiveAt(ctx context.Context, t time.Time) (*contracts.Constitution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Scan from the newest version down; the newest effective version wins.
	for i := len(s.ordered) - 1; i >= 0; i-- {
		c := s.versions[s.ordered[i]]
		if c.EffectiveFrom.After(t) {
			continue
		}
		if c.EffectiveUntil != nil && !c.EffectiveUntil.After(t) {
			continue
		}
		cp := c
		cp.Rules = append([]contracts.Rule(nil), c.Rules...)
		return &cp, nil
	}
	return nil, ErrNoActiveVersion
}

func (s *MemoryStore) Versions(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]uint64(nil), s.ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
