// Package compiler validates and normalizes raw intents into the internal
// representation the constitutional engine evaluates.
//
// Compilation is pure per call and thread-safe: the only shared state is
// the compiled-schema cache and the nonce store, both internally locked.
package compiler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiter-labs/arbiter/pkg/canonicalize"
	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// RawIntent is the unvalidated submission from a caller.
type RawIntent struct {
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload"`
	ClientNonce string         `json:"client_nonce"`
}

// Compiler produces IRs bound to the active constitution version.
type Compiler struct {
	store  constitution.Store
	nonces NonceStore
	clock  func() time.Time

	mu      sync.RWMutex
	schemas map[uint64]*jsonschema.Schema
}

func New(store constitution.Store, nonces NonceStore) *Compiler {
	return &Compiler{
		store:   store,
		nonces:  nonces,
		clock:   time.Now,
		schemas: make(map[uint64]*jsonschema.Schema),
	}
}

// WithClock overrides the clock for testing.
func (c *Compiler) WithClock(clock func() time.Time) *Compiler {
	c.clock = clock
	return c
}

// Compile validates raw against the active constitution version and
// returns the IR, or the prior NonceRecord when the client_nonce was
// already seen (resubmission is idempotent, not an error).
func (c *Compiler) Compile(ctx context.Context, raw RawIntent) (*contracts.IR, *NonceRecord, error) {
	if raw.ClientNonce != "" {
		prior, err := c.nonces.Lookup(ctx, raw.ClientNonce)
		if err != nil {
			return nil, nil, fmt.Errorf("nonce store: %w", err)
		}
		if prior != nil {
			return nil, prior, nil
		}
	}

	actor := canonicalize.NormalizeString(strings.TrimSpace(raw.Actor))
	action := canonicalize.NormalizeString(strings.TrimSpace(raw.Action))
	if actor == "" {
		return nil, nil, fmt.Errorf("%w: actor is required", contracts.ErrCompilation)
	}
	if action == "" {
		return nil, nil, fmt.Errorf("%w: action is required", contracts.ErrCompilation)
	}
	if raw.Payload == nil {
		return nil, nil, fmt.Errorf("%w: payload is required", contracts.ErrCompilation)
	}

	now := c.clock().UTC()
	active, err := c.store.ActiveAt(ctx, now)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", contracts.ErrCompilation, err)
	}

	payload, ok := canonicalize.NormalizeValue(raw.Payload).(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: payload must be an object", contracts.ErrCompilation)
	}

	if active.IntentSchema != "" {
		schema, err := c.schemaFor(active)
		if err != nil {
			return nil, nil, err
		}
		if err := schema.Validate(toJSONValue(payload)); err != nil {
			return nil, nil, fmt.Errorf("%w: payload schema validation failed: %v", contracts.ErrCompilation, err)
		}
	}

	nonce := raw.ClientNonce
	if nonce == "" {
		nonce = uuid.NewString()
	}

	ir := &contracts.IR{
		Intent: contracts.Intent{
			ID:          uuid.NewString(),
			Actor:       actor,
			Action:      action,
			Payload:     payload,
			SubmittedAt: now,
			ClientNonce: nonce,
		},
		ConstitutionVersion: active.Version,
	}
	return ir, nil, nil
}

// RecordResult registers the sealed result for a nonce so later
// resubmissions short-circuit to it.
func (c *Compiler) RecordResult(ctx context.Context, nonce string, rec NonceRecord) error {
	if nonce == "" {
		return nil
	}
	return c.nonces.Record(ctx, nonce, rec)
}

func (c *Compiler) schemaFor(active *contracts.Constitution) (*jsonschema.Schema, error) {
	c.mu.RLock()
	schema, ok := c.schemas[active.Version]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if schema, ok = c.schemas[active.Version]; ok {
		return schema, nil
	}

	comp := jsonschema.NewCompiler()
	comp.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://arbiter.schemas.local/constitution/v%d/intent.schema.json", active.Version)
	if err := comp.AddResource(url, strings.NewReader(active.IntentSchema)); err != nil {
		return nil, fmt.Errorf("%w: intent schema load failed: %v", contracts.ErrCompilation, err)
	}
	compiled, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: intent schema compile failed: %v", contracts.ErrCompilation, err)
	}
	c.schemas[active.Version] = compiled
	return compiled, nil
}

// toJSONValue rewrites Go-typed payload values into the generic JSON
// shapes the schema validator expects.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
