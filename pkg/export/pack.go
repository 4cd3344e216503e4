// Package export builds capsule packs: portable, offline-verifiable
// snapshots of a capsule sequence range. A pack is a JSONL body (one
// capsule per line) plus a manifest carrying the range, the head hash,
// the kernel public key, and a content hash over the body, so a
// recipient can verify the chain without access to the kernel.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/canonicalize"
	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/crypto"
)

var ErrEmptyRange = errors.New("no capsules in requested range")

// Manifest describes one capsule pack.
type Manifest struct {
	From        uint64    `json:"from"`
	To          uint64    `json:"to"`
	Count       int       `json:"count"`
	HeadHash    string    `json:"head_hash"`
	PublicKey   string    `json:"public_key"`
	BodyHash    string    `json:"body_hash"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Pack is a built capsule pack ready for storage or transfer.
type Pack struct {
	Manifest Manifest
	Body     []byte // JSONL, one capsule per line
}

// Exporter reads capsule ranges and renders packs.
type Exporter struct {
	store        audit.Store
	publicKeyHex string
	clock        func() time.Time
}

func NewExporter(store audit.Store, publicKeyHex string) *Exporter {
	return &Exporter{store: store, publicKeyHex: publicKeyHex, clock: time.Now}
}

// WithClock overrides the manifest timestamp source. Test use.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Build renders the pack for a sequence range. Zero bounds cover the
// whole log.
func (e *Exporter) Build(ctx context.Context, from, to uint64) (*Pack, error) {
	capsules, err := e.store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load capsule range: %w", err)
	}
	if len(capsules) == 0 {
		return nil, ErrEmptyRange
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, c := range capsules {
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("encode capsule %d: %w", c.SequenceNumber, err)
		}
	}

	return &Pack{
		Manifest: Manifest{
			From:        capsules[0].SequenceNumber,
			To:          capsules[len(capsules)-1].SequenceNumber,
			Count:       len(capsules),
			HeadHash:    capsules[len(capsules)-1].SelfHash,
			PublicKey:   e.publicKeyHex,
			BodyHash:    canonicalize.HashBytes(body.Bytes()),
			GeneratedAt: e.clock().UTC(),
		},
		Body: body.Bytes(),
	}, nil
}

// Export builds the pack and writes body and manifest to an object
// store under deterministic keys. It returns the body key.
func (e *Exporter) Export(ctx context.Context, dst ObjectStore, from, to uint64) (string, error) {
	pack, err := e.Build(ctx, from, to)
	if err != nil {
		return "", err
	}
	bodyKey := fmt.Sprintf("packs/%d-%d.jsonl", pack.Manifest.From, pack.Manifest.To)
	manifestKey := fmt.Sprintf("packs/%d-%d.manifest.json", pack.Manifest.From, pack.Manifest.To)

	if err := dst.Put(ctx, bodyKey, pack.Body); err != nil {
		return "", fmt.Errorf("write pack body: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(pack.Manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := dst.Put(ctx, manifestKey, manifestJSON); err != nil {
		return "", fmt.Errorf("write pack manifest: %w", err)
	}
	return bodyKey, nil
}

// Verify checks a pack offline: body hash against the manifest, every
// capsule's self hash and signature, and the internal chain links. The
// genesis root is only asserted when the pack starts at sequence 1;
// later ranges anchor on their first capsule's stored prior hash.
func Verify(manifest Manifest, bodyJSONL []byte) error {
	if canonicalize.HashBytes(bodyJSONL) != manifest.BodyHash {
		return errors.New("pack body does not match manifest body hash")
	}

	scanner := bufio.NewScanner(bytes.NewReader(bodyJSONL))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		count int
		prior string
		last  contracts.Capsule
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c contracts.Capsule
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("parse capsule line %d: %w", count+1, err)
		}

		if count == 0 {
			if c.SequenceNumber != manifest.From {
				return fmt.Errorf("pack starts at sequence %d, manifest claims %d", c.SequenceNumber, manifest.From)
			}
			prior = c.PriorCapsuleHash
			if c.SequenceNumber == 1 && prior != capsule.GenesisHash() {
				return errors.New("first capsule does not link to the genesis hash")
			}
		}
		if c.PriorCapsuleHash != prior {
			return fmt.Errorf("broken chain link at sequence %d", c.SequenceNumber)
		}

		selfHash, err := capsule.BodyHash(c)
		if err != nil {
			return fmt.Errorf("hash capsule %d: %w", c.SequenceNumber, err)
		}
		if selfHash != c.SelfHash {
			return fmt.Errorf("self hash mismatch at sequence %d: %w", c.SequenceNumber, contracts.ErrReplayMismatch)
		}

		digest, err := hex.DecodeString(c.SelfHash)
		if err != nil {
			return fmt.Errorf("decode self hash at sequence %d: %w", c.SequenceNumber, err)
		}
		ok, err := crypto.VerifyWithKey(manifest.PublicKey, c.Signature, digest)
		if err != nil {
			return fmt.Errorf("verify signature at sequence %d: %w", c.SequenceNumber, err)
		}
		if !ok {
			return fmt.Errorf("signature mismatch at sequence %d: %w", c.SequenceNumber, contracts.ErrSignatureVerification)
		}

		prior = c.SelfHash
		last = c
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan pack body: %w", err)
	}

	if count != manifest.Count {
		return fmt.Errorf("pack holds %d capsules, manifest claims %d", count, manifest.Count)
	}
	if count > 0 && last.SelfHash != manifest.HeadHash {
		return errors.New("pack head hash does not match manifest")
	}
	if count > 0 && last.SequenceNumber != manifest.To {
		return fmt.Errorf("pack ends at sequence %d, manifest claims %d", last.SequenceNumber, manifest.To)
	}
	return nil
}
