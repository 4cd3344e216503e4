// Package contracts defines the shared data model of the Arbiter kernel.
//
// Every component communicates exclusively through these types. They are
// serialized with canonical JSON before hashing or signing, so field names
// and shapes are part of the kernel's wire contract and must stay stable.
package contracts

import "time"

// Intent is a declarative request by an actor to perform an action
// against a payload. Immutable once compiled.
type Intent struct {
	ID          string         `json:"intent_id"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ClientNonce string         `json:"client_nonce"`
}

// IR is the compiled, schema-validated form of an Intent, bound to the
// constitution version the evaluator will target.
type IR struct {
	Intent              Intent `json:"intent"`
	ConstitutionVersion uint64 `json:"constitution_version"`
}

// Outcome is the policy result of evaluating an intent.
type Outcome string

const (
	OutcomeAllow       Outcome = "ALLOW"
	OutcomeDeny        Outcome = "DENY"
	OutcomeConditional Outcome = "CONDITIONAL"
)

// Rule is one ordered entry of a constitution. Predicate is a CEL
// expression over (actor, action, payload).
type Rule struct {
	ID         string  `json:"id"`
	Predicate  string  `json:"predicate"`
	Verdict    Outcome `json:"verdict_if_matched"`
	RiskWeight float64 `json:"risk_weight"`
	Reason     string  `json:"reason,omitempty"`
}

// Constitution is a versioned, time-scoped, ordered rule set. Versions are
// immutable once published; changing rules requires a new version.
type Constitution struct {
	Version        uint64     `json:"version"`
	Rules          []Rule     `json:"rules"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`

	// IntentSchema is an optional JSON Schema (2020-12) that intent
	// payloads must satisfy under this version.
	IntentSchema string `json:"intent_schema,omitempty"`
}

// Verdict is the outcome of evaluating an IR against one constitution
// version. Deterministic given identical inputs.
type Verdict struct {
	IntentID            string   `json:"intent_id"`
	ConstitutionVersion uint64   `json:"constitution_version"`
	Outcome             Outcome  `json:"outcome"`
	MatchedRuleIDs      []string `json:"matched_rule_ids"`
	RiskScore           float64  `json:"risk_score"`
	Reason              string   `json:"reason"`
}

// ExecutionOutcome records what happened after admission.
type ExecutionOutcome string

const (
	ExecutionSuccess ExecutionOutcome = "SUCCESS"
	ExecutionFailed  ExecutionOutcome = "FAILED"
	ExecutionSkipped ExecutionOutcome = "SKIPPED"
)

// Capsule is the signed, hash-chained, immutable record of one intent's
// full evaluation and execution outcome.
//
// SelfHash = SHA-256 over the canonical JSON of
// (sequence_number, intent, verdict, execution_outcome, prior_capsule_hash).
// Signature is Ed25519 over the raw SelfHash bytes.
type Capsule struct {
	SequenceNumber   uint64           `json:"sequence_number"`
	Intent           Intent           `json:"intent"`
	Verdict          Verdict          `json:"verdict"`
	ExecutionOutcome ExecutionOutcome `json:"execution_outcome"`
	PriorCapsuleHash string           `json:"prior_capsule_hash"`
	SelfHash         string           `json:"self_hash"`
	Signature        string           `json:"signature"`
	SealedAt         time.Time        `json:"sealed_at"`
}

// Mode is the process-wide operating mode owned by the Security Engine.
type Mode string

const (
	ModeNormal     Mode = "NORMAL"
	ModeRestricted Mode = "RESTRICTED"
	ModeLockdown   Mode = "LOCKDOWN"
)

// AdmissionState tracks an intent through the scheduler.
type AdmissionState string

const (
	AdmissionPending    AdmissionState = "PENDING"
	AdmissionAdmitted   AdmissionState = "ADMITTED"
	AdmissionDispatched AdmissionState = "DISPATCHED"
	AdmissionCompleted  AdmissionState = "COMPLETED"
	AdmissionRejected   AdmissionState = "REJECTED"
)

// Admission is the scheduler's decision for one submitted IR.
type Admission struct {
	IntentID         string           `json:"intent_id"`
	State            AdmissionState   `json:"state"`
	ReasonCode       string           `json:"reason_code,omitempty"`
	WaiverID         string           `json:"waiver_id,omitempty"`
	ExecutionOutcome ExecutionOutcome `json:"execution_outcome,omitempty"`
	ExecutionError   string           `json:"execution_error,omitempty"`
}

// Waiver is a time-boxed, signed human override for a CONDITIONAL or DENY
// verdict. The Token carries the signed claims; the remaining fields mirror
// them for callers that do not parse JWTs.
type Waiver struct {
	ID        string    `json:"waiver_id"`
	IssuedBy  string    `json:"issued_by"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}
