package capsule

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/canonicalize"
	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/crypto"
)

// Evaluator re-runs a stored intent against a pinned constitution
// version. Satisfied by engine.Engine.
type Evaluator interface {
	EvaluateAgainst(ctx context.Context, ir *contracts.IR, c *contracts.Constitution) (*contracts.Verdict, error)
}

// Mismatch pinpoints one integrity failure found during verification.
type Mismatch struct {
	Sequence uint64 `json:"sequence"`
	Field    string `json:"field"`
	Detail   string `json:"detail"`
}

// Report summarizes a verification or replay pass.
type Report struct {
	From       uint64     `json:"from"`
	To         uint64     `json:"to"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

func (r *Report) OK() bool { return len(r.Mismatches) == 0 }

// Replayer verifies stored capsule ranges against the chain, the
// signing key, and — for full replay — a re-run of the constitutional
// engine.
type Replayer struct {
	store         audit.Store
	constitutions constitution.Store
	evaluator     Evaluator
	publicKeyHex  string
	genesisHash   string
	logger        *slog.Logger
}

func NewReplayer(store audit.Store, constitutions constitution.Store, evaluator Evaluator, publicKeyHex string) *Replayer {
	return &Replayer{
		store:         store,
		constitutions: constitutions,
		evaluator:     evaluator,
		publicKeyHex:  publicKeyHex,
		genesisHash:   GenesisHash(),
		logger:        slog.Default().With("component", "replay"),
	}
}

// WithGenesis overrides the chain root the first capsule is expected to
// link to. Empty keeps the built-in root.
func (r *Replayer) WithGenesis(hash string) *Replayer {
	if hash != "" {
		r.genesisHash = hash
	}
	return r
}

// VerifyChain checks hash-chain links, self hashes, and signatures over
// a sequence range without re-evaluating verdicts. Zero bounds cover
// the whole log.
func (r *Replayer) VerifyChain(ctx context.Context, from, to uint64) (*Report, error) {
	capsules, prior, err := r.load(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report := rangeReport(capsules, from, to)
	for _, c := range capsules {
		r.checkIntegrity(c, prior, report)
		prior = c.SelfHash
	}
	return report, reportErr(report)
}

// Replay re-runs the constitutional engine over each stored capsule and
// asserts the recomputed verdict matches the sealed one, in addition to
// every chain check. This is the pipeline's end-to-end correctness
// operation, not a debugging aid.
func (r *Replayer) Replay(ctx context.Context, from, to uint64) (*Report, error) {
	capsules, prior, err := r.load(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report := rangeReport(capsules, from, to)

	// Constitution versions repeat across adjacent capsules; cache them.
	versions := make(map[uint64]*contracts.Constitution)

	for _, c := range capsules {
		r.checkIntegrity(c, prior, report)
		prior = c.SelfHash

		version := c.Verdict.ConstitutionVersion
		cons, ok := versions[version]
		if !ok {
			cons, err = r.constitutions.Get(ctx, version)
			if err != nil {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Sequence: c.SequenceNumber,
					Field:    "constitution_version",
					Detail:   fmt.Sprintf("version %d: %v", version, err),
				})
				continue
			}
			versions[version] = cons
		}

		ir := &contracts.IR{Intent: c.Intent, ConstitutionVersion: version}
		recomputed, err := r.evaluator.EvaluateAgainst(ctx, ir, cons)
		if err != nil {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Sequence: c.SequenceNumber,
				Field:    "verdict",
				Detail:   fmt.Sprintf("re-evaluation failed: %v", err),
			})
			continue
		}
		equal, err := canonicalize.Equal(c.Verdict, *recomputed)
		if err != nil {
			return nil, fmt.Errorf("compare verdicts at sequence %d: %w", c.SequenceNumber, err)
		}
		if !equal {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Sequence: c.SequenceNumber,
				Field:    "verdict",
				Detail: fmt.Sprintf("stored outcome %s (risk %.2f) diverges from recomputed outcome %s (risk %.2f)",
					c.Verdict.Outcome, c.Verdict.RiskScore, recomputed.Outcome, recomputed.RiskScore),
			})
		}
	}

	if !report.OK() {
		r.logger.Error("replay found integrity mismatches",
			"from", report.From, "to", report.To, "mismatches", len(report.Mismatches))
	}
	return report, reportErr(report)
}

// load fetches the range plus the hash the first capsule must link to.
func (r *Replayer) load(ctx context.Context, from, to uint64) ([]contracts.Capsule, string, error) {
	capsules, err := r.store.Range(ctx, from, to)
	if err != nil {
		return nil, "", fmt.Errorf("load capsule range: %w", err)
	}
	prior := r.genesisHash
	if len(capsules) > 0 && capsules[0].SequenceNumber > 1 {
		before, err := r.store.Get(ctx, capsules[0].SequenceNumber-1)
		if err != nil {
			return nil, "", fmt.Errorf("load predecessor of sequence %d: %w", capsules[0].SequenceNumber, err)
		}
		prior = before.SelfHash
	}
	return capsules, prior, nil
}

func (r *Replayer) checkIntegrity(c contracts.Capsule, prior string, report *Report) {
	report.Checked++

	if c.PriorCapsuleHash != prior {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Sequence: c.SequenceNumber,
			Field:    "prior_capsule_hash",
			Detail:   fmt.Sprintf("stored %s, chain expects %s", c.PriorCapsuleHash, prior),
		})
	}

	selfHash, err := BodyHash(c)
	if err != nil {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Sequence: c.SequenceNumber,
			Field:    "self_hash",
			Detail:   fmt.Sprintf("recompute failed: %v", err),
		})
		return
	}
	if selfHash != c.SelfHash {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Sequence: c.SequenceNumber,
			Field:    "self_hash",
			Detail:   fmt.Sprintf("stored %s, recomputed %s", c.SelfHash, selfHash),
		})
	}

	digest, err := hex.DecodeString(c.SelfHash)
	if err != nil {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Sequence: c.SequenceNumber,
			Field:    "signature",
			Detail:   fmt.Sprintf("self hash is not hex: %v", err),
		})
		return
	}
	ok, err := crypto.VerifyWithKey(r.publicKeyHex, c.Signature, digest)
	if err != nil || !ok {
		detail := "signature does not verify against the kernel public key"
		if err != nil {
			detail = err.Error()
		}
		report.Mismatches = append(report.Mismatches, Mismatch{
			Sequence: c.SequenceNumber,
			Field:    "signature",
			Detail:   detail,
		})
	}
}

func rangeReport(capsules []contracts.Capsule, from, to uint64) *Report {
	report := &Report{From: from, To: to}
	if len(capsules) > 0 {
		report.From = capsules[0].SequenceNumber
		report.To = capsules[len(capsules)-1].SequenceNumber
	}
	return report
}

func reportErr(report *Report) error {
	if report.OK() {
		return nil
	}
	first := report.Mismatches[0]
	return fmt.Errorf("%d mismatch(es), first at sequence %d (%s): %w",
		len(report.Mismatches), first.Sequence, first.Field, contracts.ErrReplayMismatch)
}
