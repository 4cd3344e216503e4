package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func newEngine(t *testing.T, rules []contracts.Rule) *Engine {
	t.Helper()
	store := constitution.NewMemoryStore()
	err := store.Publish(context.Background(), contracts.Constitution{
		Version:       1,
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		Rules:         rules,
	})
	require.NoError(t, err)
	e, err := New(store)
	require.NoError(t, err)
	return e
}

func ir(actor, action string, payload map[string]any) *contracts.IR {
	if payload == nil {
		payload = map[string]any{}
	}
	return &contracts.IR{
		Intent: contracts.Intent{
			ID:     "intent-1",
			Actor:  actor,
			Action: action,
			Payload: payload,
		},
		ConstitutionVersion: 1,
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	e := newEngine(t, []contracts.Rule{
		{ID: "allow-everything", Predicate: "true", Verdict: contracts.OutcomeAllow, RiskWeight: 100},
		{ID: "deny-user-data", Predicate: `action == "access_user_data"`, Verdict: contracts.OutcomeDeny, RiskWeight: 10},
	})

	v, err := e.Evaluate(context.Background(), ir("DemoUser", "access_user_data", map[string]any{"user_id": "12345"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, v.Outcome)
	assert.Equal(t, []string{"allow-everything", "deny-user-data"}, v.MatchedRuleIDs)
	assert.Equal(t, float64(110), v.RiskScore)
}

func TestDemoScenario(t *testing.T) {
	// Constitution v1: {action=="access_user_data", DENY, weight 10}.
	e := newEngine(t, []contracts.Rule{
		{ID: "deny-user-data", Predicate: `action == "access_user_data"`, Verdict: contracts.OutcomeDeny, RiskWeight: 10},
	})

	v, err := e.Evaluate(context.Background(), ir("DemoUser", "access_user_data", map[string]any{"user_id": "12345"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, v.Outcome)
	assert.Equal(t, float64(10), v.RiskScore)
}

func TestDefaultDenyOnZeroMatches(t *testing.T) {
	e := newEngine(t, []contracts.Rule{
		{ID: "allow-read", Predicate: `action == "read"`, Verdict: contracts.OutcomeAllow, RiskWeight: 1},
	})

	v, err := e.Evaluate(context.Background(), ir("alice", "write", nil))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, v.Outcome)
	assert.Empty(t, v.MatchedRuleIDs)
	assert.Zero(t, v.RiskScore)
}

func TestHighestWeightMatchDeterminesOutcome(t *testing.T) {
	e := newEngine(t, []contracts.Rule{
		{ID: "allow-read", Predicate: `action == "read"`, Verdict: contracts.OutcomeAllow, RiskWeight: 1},
		{ID: "conditional-sensitive", Predicate: `action == "read" && has(payload.sensitive)`, Verdict: contracts.OutcomeConditional, RiskWeight: 5},
	})

	v, err := e.Evaluate(context.Background(), ir("alice", "read", map[string]any{"sensitive": true}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeConditional, v.Outcome)
	assert.Equal(t, float64(6), v.RiskScore)

	v, err = e.Evaluate(context.Background(), ir("alice", "read", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, v.Outcome)
}

func TestPayloadPredicates(t *testing.T) {
	e := newEngine(t, []contracts.Rule{
		{ID: "deny-large", Predicate: `action == "transfer" && payload.amount > 1000`, Verdict: contracts.OutcomeDeny, RiskWeight: 20},
		{ID: "allow-transfer", Predicate: `action == "transfer"`, Verdict: contracts.OutcomeAllow, RiskWeight: 3},
	})

	v, err := e.Evaluate(context.Background(), ir("bob", "transfer", map[string]any{"amount": 5000}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, v.Outcome)

	v, err = e.Evaluate(context.Background(), ir("bob", "transfer", map[string]any{"amount": 50}))
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, v.Outcome)
}

func TestBrokenPredicateSurfacesError(t *testing.T) {
	e := newEngine(t, []contracts.Rule{
		{ID: "broken", Predicate: `action ==`, Verdict: contracts.OutcomeAllow, RiskWeight: 1},
	})

	_, err := e.Evaluate(context.Background(), ir("alice", "read", nil))
	assert.Error(t, err)
}

func TestVerdictIDDeterministic(t *testing.T) {
	a := VerdictID("intent-1", 1)
	b := VerdictID("intent-1", 1)
	c := VerdictID("intent-1", 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
