package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func newTestStore(t *testing.T, schema string) *constitution.MemoryStore {
	t.Helper()
	s := constitution.NewMemoryStore()
	err := s.Publish(context.Background(), contracts.Constitution{
		Version:       1,
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		IntentSchema:  schema,
		Rules: []contracts.Rule{
			{ID: "allow-all", Predicate: "true", Verdict: contracts.OutcomeAllow, RiskWeight: 1},
		},
	})
	require.NoError(t, err)
	return s
}

func TestCompileValidIntent(t *testing.T) {
	c := New(newTestStore(t, ""), NewMemoryNonceStore(time.Hour))

	ir, prior, err := c.Compile(context.Background(), RawIntent{
		Actor:   "alice",
		Action:  "read",
		Payload: map[string]any{"resource": "doc-1"},
	})
	require.NoError(t, err)
	assert.Nil(t, prior)
	assert.Equal(t, uint64(1), ir.ConstitutionVersion)
	assert.NotEmpty(t, ir.Intent.ID)
	assert.NotEmpty(t, ir.Intent.ClientNonce)
}

func TestCompileRejectsMissingFields(t *testing.T) {
	c := New(newTestStore(t, ""), NewMemoryNonceStore(time.Hour))
	ctx := context.Background()

	_, _, err := c.Compile(ctx, RawIntent{Action: "read", Payload: map[string]any{}})
	assert.ErrorIs(t, err, contracts.ErrCompilation)

	_, _, err = c.Compile(ctx, RawIntent{Actor: "alice", Payload: map[string]any{}})
	assert.ErrorIs(t, err, contracts.ErrCompilation)

	_, _, err = c.Compile(ctx, RawIntent{Actor: "alice", Action: "read"})
	assert.ErrorIs(t, err, contracts.ErrCompilation)
}

func TestCompileValidatesPayloadSchema(t *testing.T) {
	schema := `{
		"type": "object",
		"required": ["user_id"],
		"properties": {"user_id": {"type": "string"}}
	}`
	c := New(newTestStore(t, schema), NewMemoryNonceStore(time.Hour))
	ctx := context.Background()

	_, _, err := c.Compile(ctx, RawIntent{
		Actor: "alice", Action: "access_user_data",
		Payload: map[string]any{"user_id": "12345"},
	})
	require.NoError(t, err)

	_, _, err = c.Compile(ctx, RawIntent{
		Actor: "alice", Action: "access_user_data",
		Payload: map[string]any{"user_id": 12345},
	})
	assert.ErrorIs(t, err, contracts.ErrCompilation)

	_, _, err = c.Compile(ctx, RawIntent{
		Actor: "alice", Action: "access_user_data",
		Payload: map[string]any{},
	})
	assert.ErrorIs(t, err, contracts.ErrCompilation)
}

func TestCompileNormalizesStrings(t *testing.T) {
	c := New(newTestStore(t, ""), NewMemoryNonceStore(time.Hour))

	ir, _, err := c.Compile(context.Background(), RawIntent{
		Actor:   "  alicé  ", // combining accent, padded
		Action:  "résume",
		Payload: map[string]any{"k": "é"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alicé", ir.Intent.Actor)
	assert.Equal(t, "résume", ir.Intent.Action)
	assert.Equal(t, "é", ir.Intent.Payload["k"])
}

func TestResubmissionReturnsPriorRecord(t *testing.T) {
	c := New(newTestStore(t, ""), NewMemoryNonceStore(time.Hour))
	ctx := context.Background()

	raw := RawIntent{Actor: "alice", Action: "read", Payload: map[string]any{}, ClientNonce: "nonce-1"}
	ir, prior, err := c.Compile(ctx, raw)
	require.NoError(t, err)
	require.Nil(t, prior)

	rec := NonceRecord{
		IntentID:        ir.Intent.ID,
		CapsuleSequence: 7,
		Verdict:         contracts.Verdict{IntentID: ir.Intent.ID, Outcome: contracts.OutcomeAllow},
	}
	require.NoError(t, c.RecordResult(ctx, raw.ClientNonce, rec))

	ir2, prior2, err := c.Compile(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, ir2)
	require.NotNil(t, prior2)
	assert.Equal(t, uint64(7), prior2.CapsuleSequence)
	assert.Equal(t, ir.Intent.ID, prior2.IntentID)
}

func TestNonceRetentionWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := NewMemoryNonceStore(time.Minute).WithClock(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "n1", NonceRecord{IntentID: "i1"}))

	rec, err := store.Lookup(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = store.Lookup(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
