package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/canonicalize"
	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/crypto"
)

func sealedLog(t *testing.T, n int) (audit.Store, crypto.Signer) {
	t.Helper()
	ctx := context.Background()
	store := audit.NewMemoryStore()

	provider, err := crypto.NewDerivedKeyProvider([]byte("export-test-seed-00000000000000000"), "export")
	require.NoError(t, err)
	signer := crypto.NewEd25519Signer(provider, "kernel")

	sealer, err := capsule.New(ctx, store, signer)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		intent := contracts.Intent{
			ID:          fmt.Sprintf("intent-%d", i),
			Actor:       "alice",
			Action:      "read_document",
			Payload:     map[string]any{"doc": fmt.Sprintf("d-%d", i)},
			SubmittedAt: time.Date(2026, 8, 1, 9, 0, i, 0, time.UTC),
			ClientNonce: fmt.Sprintf("nonce-%d", i),
		}
		verdict := contracts.Verdict{
			IntentID:            intent.ID,
			ConstitutionVersion: 1,
			Outcome:             contracts.OutcomeAllow,
			MatchedRuleIDs:      []string{"allow-read"},
			RiskScore:           2,
			Reason:              "matched rule allow-read",
		}
		_, err := sealer.Seal(ctx, intent, verdict, contracts.ExecutionSuccess)
		require.NoError(t, err)
	}
	return store, signer
}

func TestBuildAndVerifyPack(t *testing.T) {
	store, signer := sealedLog(t, 5)
	exporter := NewExporter(store, signer.PublicKey())

	pack, err := exporter.Build(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pack.Manifest.From)
	assert.Equal(t, uint64(5), pack.Manifest.To)
	assert.Equal(t, 5, pack.Manifest.Count)
	assert.Equal(t, 5, bytes.Count(pack.Body, []byte("\n")))

	require.NoError(t, Verify(pack.Manifest, pack.Body))
}

func TestVerifySubrangePack(t *testing.T) {
	store, signer := sealedLog(t, 5)
	exporter := NewExporter(store, signer.PublicKey())

	pack, err := exporter.Build(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pack.Manifest.From)
	require.NoError(t, Verify(pack.Manifest, pack.Body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	store, signer := sealedLog(t, 3)
	exporter := NewExporter(store, signer.PublicKey())

	pack, err := exporter.Build(context.Background(), 0, 0)
	require.NoError(t, err)

	tampered := bytes.Replace(pack.Body, []byte(`"alice"`), []byte(`"mallory"`), 1)
	err = Verify(pack.Manifest, tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body hash")
}

func TestVerifyRejectsResignedCapsule(t *testing.T) {
	store, signer := sealedLog(t, 3)
	exporter := NewExporter(store, signer.PublicKey())

	pack, err := exporter.Build(context.Background(), 0, 0)
	require.NoError(t, err)

	// Rewrite one capsule consistently (body hash recomputed) but keep
	// the original signature, which no longer covers the new body.
	var capsules []contracts.Capsule
	dec := json.NewDecoder(bytes.NewReader(pack.Body))
	for dec.More() {
		var c contracts.Capsule
		require.NoError(t, dec.Decode(&c))
		capsules = append(capsules, c)
	}
	capsules[1].Intent.Actor = "mallory"
	capsules[1].SelfHash, err = capsule.BodyHash(capsules[1])
	require.NoError(t, err)
	capsules[2].PriorCapsuleHash = capsules[1].SelfHash
	capsules[2].SelfHash, err = capsule.BodyHash(capsules[2])
	require.NoError(t, err)

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, c := range capsules {
		require.NoError(t, enc.Encode(c))
	}
	// Recompute the manifest hashes so only the signature is left to fail.
	manifest := pack.Manifest
	manifest.HeadHash = capsules[2].SelfHash
	manifest.BodyHash = canonicalize.HashBytes(body.Bytes())

	err = Verify(manifest, body.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrSignatureVerification)
}

func TestExportToFileStore(t *testing.T) {
	store, signer := sealedLog(t, 4)
	exporter := NewExporter(store, signer.PublicKey())

	dst, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key, err := exporter.Export(ctx, dst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "packs/1-4.jsonl", key)

	body, err := dst.Get(ctx, key)
	require.NoError(t, err)
	manifestJSON, err := dst.Get(ctx, "packs/1-4.manifest.json")
	require.NoError(t, err)

	var manifest Manifest
	require.NoError(t, json.Unmarshal(manifestJSON, &manifest))
	require.NoError(t, Verify(manifest, body))
}

func TestBuildEmptyRange(t *testing.T) {
	store, signer := sealedLog(t, 1)
	exporter := NewExporter(store, signer.PublicKey())

	_, err := exporter.Build(context.Background(), 5, 9)
	assert.ErrorIs(t, err, ErrEmptyRange)
}
