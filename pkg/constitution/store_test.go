package constitution

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

func testConstitution(version uint64, from time.Time) contracts.Constitution {
	return contracts.Constitution{
		Version:       version,
		EffectiveFrom: from,
		Rules: []contracts.Rule{
			{ID: "deny-user-data", Predicate: `action == "access_user_data"`, Verdict: contracts.OutcomeDeny, RiskWeight: 10},
			{ID: "allow-read", Predicate: `action == "read"`, Verdict: contracts.OutcomeAllow, RiskWeight: 1},
		},
	}
}

func TestMemoryStorePublishAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Publish(ctx, testConstitution(1, now)))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Len(t, got.Rules, 2)

	_, err = s.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestMemoryStoreVersionMonotonicity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Publish(ctx, testConstitution(2, now)))
	assert.ErrorIs(t, s.Publish(ctx, testConstitution(2, now)), ErrVersionConflict)
	assert.ErrorIs(t, s.Publish(ctx, testConstitution(1, now)), ErrVersionConflict)
	require.NoError(t, s.Publish(ctx, testConstitution(3, now)))

	versions, err := s.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, versions)
}

func TestMemoryStoreActiveAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	v1 := testConstitution(1, now.Add(-2*time.Hour))
	until := now.Add(-1 * time.Hour)
	v1.EffectiveUntil = &until
	require.NoError(t, s.Publish(ctx, v1))
	require.NoError(t, s.Publish(ctx, testConstitution(2, now.Add(-30*time.Minute))))

	active, err := s.ActiveAt(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), active.Version)

	active, err = s.ActiveAt(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), active.Version)

	_, err = s.ActiveAt(ctx, now.Add(-3*time.Hour))
	assert.ErrorIs(t, err, ErrNoActiveVersion)
}

func TestPublishedVersionIsImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := testConstitution(1, time.Now().UTC())
	require.NoError(t, s.Publish(ctx, c))

	// Mutating the caller's copy must not affect the stored version.
	c.Rules[0].Verdict = contracts.OutcomeAllow

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, got.Rules[0].Verdict)

	// Mutating a read copy must not affect subsequent reads either.
	got.Rules[1].RiskWeight = 999
	again, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), again.Rules[1].RiskWeight)
}

func TestValidateRejectsBadRules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	c := testConstitution(1, now)
	c.Rules[1].ID = c.Rules[0].ID
	assert.Error(t, s.Publish(ctx, c))

	c = testConstitution(1, now)
	c.Rules[0].Verdict = "MAYBE"
	assert.Error(t, s.Publish(ctx, c))

	c = testConstitution(1, now)
	bad := now.Add(-time.Hour)
	c.EffectiveUntil = &bad
	assert.ErrorIs(t, s.Publish(ctx, c), ErrInvalidTimeScope)
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := testConstitution(1, now.Add(-time.Hour))
	c.IntentSchema = `{"type":"object"}`
	require.NoError(t, s.Publish(ctx, c))
	assert.ErrorIs(t, s.Publish(ctx, c), ErrVersionConflict)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, c.Rules, got.Rules)
	assert.Equal(t, c.IntentSchema, got.IntentSchema)

	active, err := s.ActiveAt(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), active.Version)

	versions, err := s.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, versions)
}
