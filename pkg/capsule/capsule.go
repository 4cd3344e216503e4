// Package capsule seals completed evaluations into signed, hash-chained
// audit records and replays them for integrity verification.
//
// The engine is the single writer of the chain: sequence numbers and
// prior-hash links are produced strictly one at a time under a mutex,
// even though evaluation and execution run concurrently upstream. A
// signature self-check failure halts sealing permanently, since it
// implies tampering or key compromise.
package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/canonicalize"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/crypto"
)

// genesisSeed anchors chains that start from an empty log.
const genesisSeed = "arbiter-genesis"

// GenesisHash is the well-known root of a fresh capsule chain.
func GenesisHash() string {
	h := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(h[:])
}

// body is the hashed portion of a capsule. SealedAt and the signature
// are deliberately outside the hash so replay does not depend on wall
// clock or key material.
type body struct {
	SequenceNumber   uint64                     `json:"sequence_number"`
	Intent           contracts.Intent           `json:"intent"`
	Verdict          contracts.Verdict          `json:"verdict"`
	ExecutionOutcome contracts.ExecutionOutcome `json:"execution_outcome"`
	PriorCapsuleHash string                     `json:"prior_capsule_hash"`
}

// BodyHash computes a capsule's self hash from its chained fields.
func BodyHash(c contracts.Capsule) (string, error) {
	return canonicalize.CanonicalHash(body{
		SequenceNumber:   c.SequenceNumber,
		Intent:           c.Intent,
		Verdict:          c.Verdict,
		ExecutionOutcome: c.ExecutionOutcome,
		PriorCapsuleHash: c.PriorCapsuleHash,
	})
}

// Engine seals capsules onto the audit log.
type Engine struct {
	store  audit.Store
	signer crypto.Signer
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	nextSeq   uint64
	priorHash string
	halted    bool
}

// New builds a capsule engine, resuming the chain from the store's
// current head if the log is non-empty.
func New(ctx context.Context, store audit.Store, signer crypto.Signer) (*Engine, error) {
	e := &Engine{
		store:     store,
		signer:    signer,
		logger:    slog.Default().With("component", "capsule"),
		clock:     time.Now,
		nextSeq:   1,
		priorHash: GenesisHash(),
	}
	head, err := store.Head(ctx)
	switch {
	case err == audit.ErrNotFound:
		// Fresh chain rooted at genesis.
	case err != nil:
		return nil, fmt.Errorf("load chain head: %w", err)
	default:
		e.nextSeq = head.SequenceNumber + 1
		e.priorHash = head.SelfHash
	}
	return e, nil
}

// WithClock overrides the seal timestamp source. Test use.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithGenesis overrides the chain root for a fresh log. A chain resumed
// from an existing head keeps its recorded links; the override only
// applies before the first capsule is sealed.
func (e *Engine) WithGenesis(hash string) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hash != "" && e.nextSeq == 1 {
		e.priorHash = hash
	}
	return e
}

// Seal wraps one completed evaluation into a signed capsule and appends
// it. Sealing is serialized; the returned capsule is immutable.
func (e *Engine) Seal(ctx context.Context, intent contracts.Intent, verdict contracts.Verdict, outcome contracts.ExecutionOutcome) (*contracts.Capsule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return nil, fmt.Errorf("sealing halted: %w", contracts.ErrSignatureVerification)
	}

	c := contracts.Capsule{
		SequenceNumber:   e.nextSeq,
		Intent:           intent,
		Verdict:          verdict,
		ExecutionOutcome: outcome,
		PriorCapsuleHash: e.priorHash,
		SealedAt:         e.clock().UTC(),
	}

	selfHash, err := BodyHash(c)
	if err != nil {
		return nil, fmt.Errorf("hash capsule body: %w", err)
	}
	c.SelfHash = selfHash

	digest, err := hex.DecodeString(selfHash)
	if err != nil {
		return nil, fmt.Errorf("decode self hash: %w", err)
	}
	sig, err := e.signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign capsule %d: %w", c.SequenceNumber, err)
	}
	c.Signature = sig

	// Self-check before the capsule becomes part of the chain. A
	// failure here means the signing path is compromised; the chain
	// must not grow further.
	ok, err := e.signer.Verify(digest, sig)
	if err != nil || !ok {
		e.halted = true
		e.logger.Error("capsule signature self-check failed; sealing halted",
			"sequence", c.SequenceNumber, "error", err)
		return nil, fmt.Errorf("capsule %d: %w", c.SequenceNumber, contracts.ErrSignatureVerification)
	}

	if err := e.store.Append(ctx, c); err != nil {
		return nil, fmt.Errorf("append capsule %d: %w", c.SequenceNumber, err)
	}

	e.nextSeq++
	e.priorHash = c.SelfHash

	e.logger.Info("capsule sealed",
		"sequence", c.SequenceNumber,
		"intent_id", intent.ID,
		"outcome", verdict.Outcome,
		"execution_outcome", outcome)
	return &c, nil
}

// Halted reports whether sealing has been stopped by an integrity
// failure.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Head returns the next sequence number and the hash the next capsule
// will link to.
func (e *Engine) Head() (uint64, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSeq, e.priorHash
}
