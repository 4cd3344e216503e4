package contracts

import "errors"

// Kernel error taxonomy. Components wrap these sentinels so callers can
// classify failures with errors.Is regardless of which layer produced them.
var (
	// ErrCompilation marks a malformed intent rejected before evaluation.
	ErrCompilation = errors.New("intent compilation failed")

	// ErrPolicyDenied marks a deterministic DENY verdict. Not an internal fault.
	ErrPolicyDenied = errors.New("denied by constitution")

	// ErrWaiverRequired marks a CONDITIONAL verdict with no valid waiver attached.
	ErrWaiverRequired = errors.New("waiver required")

	// ErrOverloaded marks a scheduler at capacity. Callers should retry with backoff.
	ErrOverloaded = errors.New("scheduler overloaded")

	// ErrExecutionFailed marks an isolated worker-level fault.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrLockdownActive marks admission refused by operating mode.
	ErrLockdownActive = errors.New("lockdown active")

	// ErrSignatureVerification marks a capsule integrity violation. Fatal to
	// the audit chain: sealing halts until operators intervene.
	ErrSignatureVerification = errors.New("capsule signature verification failed")

	// ErrReplayMismatch marks a divergence detected during replay.
	ErrReplayMismatch = errors.New("replay mismatch")
)

// Reason codes carried on admissions, capsules, and API rejections.
const (
	ReasonPolicyDenied   = "POLICY_DENIED"
	ReasonNoRuleMatched  = "NO_RULE_MATCHED"
	ReasonWaiverRequired = "WAIVER_REQUIRED"
	ReasonWaiverAttached = "WAIVER_ATTACHED"
	ReasonOverloaded     = "OVERLOADED"
	ReasonLockdown       = "LOCKDOWN_ACTIVE"
	ReasonRestrictedCap  = "RESTRICTED_RISK_CAP"
	ReasonRateLimited    = "RATE_LIMITED"
	ReasonTimeout        = "DISPATCH_TIMEOUT"
	ReasonWorkerFault    = "WORKER_FAULT"
	ReasonCancelled      = "CANCELLED"
)
