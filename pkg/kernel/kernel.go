// Package kernel composes the governance pipeline: compile, evaluate,
// admit, execute, seal. It owns the data flow between components; the
// components themselves communicate only through typed contracts.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/compiler"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/engine"
	"github.com/arbiter-labs/arbiter/pkg/enginearray"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/scheduler"
	"github.com/arbiter-labs/arbiter/pkg/security"
)

// SubmitResult is the caller-facing outcome of one intent submission.
type SubmitResult struct {
	IntentID         string                     `json:"intent_id"`
	Outcome          contracts.Outcome          `json:"outcome"`
	RiskScore        float64                    `json:"risk_score"`
	CapsuleSequence  uint64                     `json:"capsule_sequence,omitempty"`
	ExecutionOutcome contracts.ExecutionOutcome `json:"execution_outcome,omitempty"`
	ExecutionError   string                     `json:"execution_error,omitempty"`
	ReasonCode       string                     `json:"reason_code,omitempty"`
	Reason           string                     `json:"reason,omitempty"`
	Resubmission     bool                       `json:"resubmission,omitempty"`
}

// Explanation is derived purely from a stored capsule, never from
// re-evaluation.
type Explanation struct {
	IntentID            string            `json:"intent_id"`
	CapsuleSequence     uint64            `json:"capsule_sequence"`
	ConstitutionVersion uint64            `json:"constitution_version"`
	Outcome             contracts.Outcome `json:"outcome"`
	MatchedRuleIDs      []string          `json:"matched_rule_ids"`
	RiskScore           float64           `json:"risk_score"`
	Reason              string            `json:"reason"`
}

// Health reports kernel liveness and operating mode.
type Health struct {
	Status string         `json:"status"` // "ok" | "degraded"
	Mode   contracts.Mode `json:"mode"`
}

// Options wires the kernel's components.
type Options struct {
	Compiler  *compiler.Compiler
	Engine    *engine.Engine
	Security  *security.Engine
	Scheduler *scheduler.Scheduler
	Array     *enginearray.Array
	Capsules  *capsule.Engine
	Audit     audit.Store

	// Observability is optional; a nil provider disables instrumentation.
	Observability *observability.Provider
}

// Kernel is the composition root for the governance pipeline.
type Kernel struct {
	compiler *compiler.Compiler
	engine   *engine.Engine
	security *security.Engine
	sched    *scheduler.Scheduler
	array    *enginearray.Array
	capsules *capsule.Engine
	auditLog audit.Store
	obs      *observability.Provider
	logger   *slog.Logger

	// seqByIntent accelerates Explain lookups; the capsule itself
	// remains the source of truth.
	mu          sync.RWMutex
	seqByIntent map[string]uint64
}

func New(opts Options) *Kernel {
	return &Kernel{
		compiler:    opts.Compiler,
		engine:      opts.Engine,
		security:    opts.Security,
		sched:       opts.Scheduler,
		array:       opts.Array,
		capsules:    opts.Capsules,
		auditLog:    opts.Audit,
		obs:         opts.Observability,
		logger:      slog.Default().With("component", "kernel"),
		seqByIntent: make(map[string]uint64),
	}
}

// SubmitIntent runs one raw intent through the full pipeline and blocks
// until it settles: rejected, or executed and sealed.
//
// Resubmission with a known client_nonce returns the original verdict
// and capsule sequence without re-evaluating or sealing anything new.
// Backpressure rejections (queue full, rate limited) produce no capsule
// and leave the nonce unrecorded, so the caller's retry with the same
// nonce is a fresh attempt.
func (k *Kernel) SubmitIntent(ctx context.Context, raw compiler.RawIntent) (*SubmitResult, error) {
	var finish func(error)
	if k.obs != nil {
		ctx, finish = k.obs.TrackIntent(ctx, "kernel.submit_intent",
			observability.AttrActor.String(raw.Actor),
			observability.AttrAction.String(raw.Action),
		)
	} else {
		finish = func(error) {}
	}

	res, err := k.submit(ctx, raw)
	finish(err)
	return res, err
}

func (k *Kernel) submit(ctx context.Context, raw compiler.RawIntent) (*SubmitResult, error) {
	ir, prior, err := k.compiler.Compile(ctx, raw)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return &SubmitResult{
			IntentID:        prior.IntentID,
			Outcome:         prior.Verdict.Outcome,
			RiskScore:       prior.Verdict.RiskScore,
			CapsuleSequence: prior.CapsuleSequence,
			Reason:          prior.Verdict.Reason,
			Resubmission:    true,
		}, nil
	}

	verdict, err := k.engine.Evaluate(ctx, ir)
	if err != nil {
		return nil, fmt.Errorf("evaluate intent %s: %w", ir.Intent.ID, err)
	}
	k.security.RecordRisk(verdict.RiskScore)

	adm, submitErr := k.sched.Submit(ctx, ir, verdict)
	if submitErr != nil {
		// Backpressure is transient: no capsule, no nonce record, the
		// caller retries.
		if errors.Is(submitErr, contracts.ErrOverloaded) {
			if k.obs != nil {
				k.obs.RecordDenial(ctx, adm.ReasonCode)
			}
			return &SubmitResult{
				IntentID:   ir.Intent.ID,
				Outcome:    verdict.Outcome,
				RiskScore:  verdict.RiskScore,
				ReasonCode: adm.ReasonCode,
				Reason:     verdict.Reason,
			}, submitErr
		}
		// Policy-final rejection: sealed as SKIPPED.
		return k.settle(ctx, ir, verdict, adm, contracts.ExecutionSkipped, submitErr)
	}

	final, err := k.sched.Wait(ctx, ir.Intent.ID)
	if err != nil {
		return nil, fmt.Errorf("await execution of intent %s: %w", ir.Intent.ID, err)
	}
	return k.settle(ctx, ir, verdict, final, final.ExecutionOutcome, nil)
}

// settle seals the capsule, records the nonce, and shapes the result.
func (k *Kernel) settle(ctx context.Context, ir *contracts.IR, verdict *contracts.Verdict, adm *contracts.Admission, outcome contracts.ExecutionOutcome, cause error) (*SubmitResult, error) {
	sealed, err := k.capsules.Seal(ctx, ir.Intent, *verdict, outcome)
	if err != nil {
		return nil, fmt.Errorf("seal capsule for intent %s: %w", ir.Intent.ID, err)
	}

	k.mu.Lock()
	k.seqByIntent[ir.Intent.ID] = sealed.SequenceNumber
	k.mu.Unlock()

	if err := k.compiler.RecordResult(ctx, ir.Intent.ClientNonce, compiler.NonceRecord{
		IntentID:        ir.Intent.ID,
		CapsuleSequence: sealed.SequenceNumber,
		Verdict:         *verdict,
	}); err != nil {
		k.logger.Warn("nonce record failed; resubmission will re-evaluate",
			"intent_id", ir.Intent.ID, "error", err)
	}

	if k.obs != nil {
		k.obs.RecordCapsule(ctx, string(outcome))
		if cause != nil {
			k.obs.RecordDenial(ctx, adm.ReasonCode)
		}
	}

	return &SubmitResult{
		IntentID:         ir.Intent.ID,
		Outcome:          verdict.Outcome,
		RiskScore:        verdict.RiskScore,
		CapsuleSequence:  sealed.SequenceNumber,
		ExecutionOutcome: outcome,
		ExecutionError:   adm.ExecutionError,
		ReasonCode:       adm.ReasonCode,
		Reason:           verdict.Reason,
	}, cause
}

// Audit returns capsules matching the query, most recent first.
func (k *Kernel) Audit(ctx context.Context, q audit.Query) ([]contracts.Capsule, error) {
	return k.auditLog.Search(ctx, q)
}

// Explain returns the stored verdict detail for an intent, derived
// purely from its capsule.
func (k *Kernel) Explain(ctx context.Context, intentID string) (*Explanation, error) {
	k.mu.RLock()
	seq, ok := k.seqByIntent[intentID]
	k.mu.RUnlock()

	var found *contracts.Capsule
	if ok {
		c, err := k.auditLog.Get(ctx, seq)
		if err != nil {
			return nil, err
		}
		found = c
	} else {
		// Index miss (e.g. kernel restart): scan the log.
		capsules, err := k.auditLog.Search(ctx, audit.Query{})
		if err != nil {
			return nil, err
		}
		for i := range capsules {
			if capsules[i].Intent.ID == intentID {
				found = &capsules[i]
				break
			}
		}
		if found == nil {
			return nil, audit.ErrNotFound
		}
	}

	return &Explanation{
		IntentID:            intentID,
		CapsuleSequence:     found.SequenceNumber,
		ConstitutionVersion: found.Verdict.ConstitutionVersion,
		Outcome:             found.Verdict.Outcome,
		MatchedRuleIDs:      found.Verdict.MatchedRuleIDs,
		RiskScore:           found.Verdict.RiskScore,
		Reason:              found.Verdict.Reason,
	}, nil
}

// IssueWaiver validates and registers a signed waiver token.
func (k *Kernel) IssueWaiver(ctx context.Context, token string) (*contracts.Waiver, error) {
	return k.security.IssueWaiver(ctx, token)
}

// ApplyHumanAction processes a signed accountability command: lockdown,
// step-down, or worker reinstatement.
func (k *Kernel) ApplyHumanAction(token string) error {
	claims, err := k.security.ApplyHumanAction(token)
	if err != nil {
		return err
	}
	if claims.Command == security.CommandReinstateWorker {
		if err := k.array.Reinstate(claims.WorkerID); err != nil {
			return fmt.Errorf("reinstate %s: %w", claims.WorkerID, err)
		}
		k.logger.Info("worker reinstated by human action", "worker_id", claims.WorkerID)
	}
	return nil
}

// Health reports kernel status. Sealing halts and a fully quarantined
// engine array degrade the kernel without stopping audit reads.
func (k *Kernel) Health() Health {
	status := "ok"
	if k.capsules.Halted() || k.array.ActiveWorkers() == 0 {
		status = "degraded"
	}
	return Health{Status: status, Mode: k.security.CurrentMode()}
}

// Close stops the scheduler and the engine array.
func (k *Kernel) Close() {
	k.sched.Close()
	k.array.Close()
}
