package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/compiler"
	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/security"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		QueueCapacity:       32,
		Dispatchers:         2,
		DispatchTimeout:     2 * time.Second,
		Workers:             2,
		QuarantineThreshold: 3,
		RestrictedThreshold: 1000,
		LockdownThreshold:   2000,
		RestrictedRiskCap:   5,
		RiskWindow:          time.Minute,
		NonceRetention:      time.Hour,
	}
	rt, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	require.NoError(t, rt.Constitutions.Publish(ctx, contracts.Constitution{
		Version: 1,
		Rules: []contracts.Rule{
			{ID: "deny-user-data", Predicate: `action == "access_user_data"`, Verdict: contracts.OutcomeDeny, RiskWeight: 10, Reason: "user data access is forbidden"},
			{ID: "gate-deletes", Predicate: `action == "delete_records"`, Verdict: contracts.OutcomeConditional, RiskWeight: 7},
			{ID: "allow-read", Predicate: `action == "read_document"`, Verdict: contracts.OutcomeAllow, RiskWeight: 2},
		},
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	noop := func(ctx context.Context, in contracts.Intent) error { return nil }
	rt.Handlers.Register("read_document", noop)
	rt.Handlers.Register("delete_records", noop)
	return rt
}

func TestDeniedIntentSealedAsSkipped(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	res, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "DemoUser",
		Action:      "access_user_data",
		Payload:     map[string]any{"user": "u-42"},
		ClientNonce: "deny-1",
	})
	require.ErrorIs(t, err, contracts.ErrPolicyDenied)
	require.NotNil(t, res)

	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, 10.0, res.RiskScore)
	assert.Equal(t, contracts.ExecutionSkipped, res.ExecutionOutcome)
	assert.Equal(t, contracts.ReasonPolicyDenied, res.ReasonCode)
	require.NotZero(t, res.CapsuleSequence)

	sealed, err := rt.Audit.Get(ctx, res.CapsuleSequence)
	require.NoError(t, err)
	assert.Equal(t, res.IntentID, sealed.Intent.ID)
	assert.Equal(t, contracts.ExecutionSkipped, sealed.ExecutionOutcome)
}

func TestResubmissionReturnsOriginalResult(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	raw := compiler.RawIntent{
		Actor:       "DemoUser",
		Action:      "access_user_data",
		Payload:     map[string]any{"user": "u-42"},
		ClientNonce: "dup-1",
	}
	first, err := rt.Kernel.SubmitIntent(ctx, raw)
	require.ErrorIs(t, err, contracts.ErrPolicyDenied)
	before, err := rt.Audit.Len(ctx)
	require.NoError(t, err)

	again, err := rt.Kernel.SubmitIntent(ctx, raw)
	require.NoError(t, err)
	assert.True(t, again.Resubmission)
	assert.Equal(t, first.IntentID, again.IntentID)
	assert.Equal(t, first.CapsuleSequence, again.CapsuleSequence)
	assert.Equal(t, contracts.OutcomeDeny, again.Outcome)

	after, err := rt.Audit.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "resubmission must not seal a new capsule")
}

func TestAllowedIntentExecutesAndSeals(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	res, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "read_document",
		Payload:     map[string]any{"doc": "d-1"},
		ClientNonce: "read-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
	assert.Equal(t, contracts.ExecutionSuccess, res.ExecutionOutcome)
	require.NotZero(t, res.CapsuleSequence)

	sealed, err := rt.Audit.Get(ctx, res.CapsuleSequence)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionSuccess, sealed.ExecutionOutcome)
}

func TestConditionalRequiresWaiver(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	res, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "delete_records",
		Payload:     map[string]any{"table": "sessions"},
		ClientNonce: "del-1",
	})
	require.ErrorIs(t, err, contracts.ErrWaiverRequired)
	assert.Equal(t, contracts.ExecutionSkipped, res.ExecutionOutcome)

	token, err := rt.Issuer.IssueWaiver("alice", "delete_records", time.Minute)
	require.NoError(t, err)
	_, err = rt.Kernel.IssueWaiver(ctx, token)
	require.NoError(t, err)

	waived, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "delete_records",
		Payload:     map[string]any{"table": "sessions"},
		ClientNonce: "del-2",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeConditional, waived.Outcome)
	assert.Equal(t, contracts.ExecutionSuccess, waived.ExecutionOutcome)
	assert.Equal(t, contracts.ReasonWaiverAttached, waived.ReasonCode)
}

func TestLockdownAdmitsWaiveredIntentOnce(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	lockdown, err := rt.Issuer.IssueAction(security.CommandLockdown, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, rt.Kernel.ApplyHumanAction(lockdown))
	require.Equal(t, contracts.ModeLockdown, rt.Kernel.Health().Mode)

	blocked, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "read_document",
		Payload:     map[string]any{"doc": "d-1"},
		ClientNonce: "ld-1",
	})
	require.ErrorIs(t, err, contracts.ErrLockdownActive)
	assert.Equal(t, contracts.ExecutionSkipped, blocked.ExecutionOutcome)

	token, err := rt.Issuer.IssueWaiver("alice", "read_document", time.Minute)
	require.NoError(t, err)
	_, err = rt.Kernel.IssueWaiver(ctx, token)
	require.NoError(t, err)

	admitted, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "read_document",
		Payload:     map[string]any{"doc": "d-1"},
		ClientNonce: "ld-2",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionSuccess, admitted.ExecutionOutcome)

	// The waiver was single-use.
	_, err = rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "read_document",
		Payload:     map[string]any{"doc": "d-1"},
		ClientNonce: "ld-3",
	})
	require.ErrorIs(t, err, contracts.ErrLockdownActive)
}

func TestWorkerFaultSealsFailedCapsule(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	rt.Handlers.Register("flaky_action", func(ctx context.Context, in contracts.Intent) error {
		panic("handler exploded")
	})
	require.NoError(t, rt.Constitutions.Publish(ctx, contracts.Constitution{
		Version: 2,
		Rules: []contracts.Rule{
			{ID: "allow-flaky", Predicate: `action == "flaky_action"`, Verdict: contracts.OutcomeAllow, RiskWeight: 1},
		},
		EffectiveFrom: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	res, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "alice",
		Action:      "flaky_action",
		Payload:     map[string]any{"x": 1},
		ClientNonce: "fault-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
	assert.Equal(t, contracts.ExecutionFailed, res.ExecutionOutcome)
	assert.NotEmpty(t, res.ExecutionError)

	sealed, err := rt.Audit.Get(ctx, res.CapsuleSequence)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionFailed, sealed.ExecutionOutcome)
}

func TestExplainDerivesFromCapsule(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	res, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:       "DemoUser",
		Action:      "access_user_data",
		Payload:     map[string]any{"user": "u-1"},
		ClientNonce: "exp-1",
	})
	require.ErrorIs(t, err, contracts.ErrPolicyDenied)

	exp, err := rt.Kernel.Explain(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, res.CapsuleSequence, exp.CapsuleSequence)
	assert.Equal(t, uint64(1), exp.ConstitutionVersion)
	assert.Equal(t, contracts.OutcomeDeny, exp.Outcome)
	assert.Equal(t, []string{"deny-user-data"}, exp.MatchedRuleIDs)
	assert.Equal(t, 10.0, exp.RiskScore)
	assert.NotEmpty(t, exp.Reason)
}

func TestExplainUnknownIntent(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Kernel.Explain(context.Background(), "no-such-intent")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestCompilationErrorProducesNoCapsule(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	_, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
		Actor:  "alice",
		Action: "read_document",
		// missing payload
	})
	require.ErrorIs(t, err, contracts.ErrCompilation)

	n, err := rt.Audit.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuditReturnsMostRecentFirst(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	for _, nonce := range []string{"a-1", "a-2", "a-3"} {
		_, err := rt.Kernel.SubmitIntent(ctx, compiler.RawIntent{
			Actor:       "alice",
			Action:      "read_document",
			Payload:     map[string]any{"doc": nonce},
			ClientNonce: nonce,
		})
		require.NoError(t, err)
	}

	capsules, err := rt.Kernel.Audit(ctx, audit.Query{Actor: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, capsules, 2)
	assert.Greater(t, capsules[0].SequenceNumber, capsules[1].SequenceNumber)
}

func TestHealthReflectsMode(t *testing.T) {
	rt := newRuntime(t)

	h := rt.Kernel.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, contracts.ModeNormal, h.Mode)

	lockdown, err := rt.Issuer.IssueAction(security.CommandLockdown, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, rt.Kernel.ApplyHumanAction(lockdown))

	h = rt.Kernel.Health()
	assert.Equal(t, "ok", h.Status, "mode alone does not degrade health")
	assert.Equal(t, contracts.ModeLockdown, h.Mode)
}
