package security

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

const tokenIssuer = "arbiter/accountability"

// WaiverClaims are the signed claims of a waiver token.
type WaiverClaims struct {
	jwt.RegisteredClaims
	IssuedBy string `json:"issued_by"`
	Actor    string `json:"actor"`
	Action   string `json:"action"`
}

// ActionCommand names a human accountability action.
type ActionCommand string

const (
	// CommandLockdown forces LOCKDOWN immediately from any mode.
	CommandLockdown ActionCommand = "lockdown"
	// CommandStepDown relaxes the mode one step
	// (LOCKDOWN → RESTRICTED → NORMAL).
	CommandStepDown ActionCommand = "step_down"
	// CommandReinstateWorker returns a quarantined worker to the pool.
	CommandReinstateWorker ActionCommand = "reinstate_worker"
)

// ActionClaims are the signed claims of a human accountability action.
type ActionClaims struct {
	jwt.RegisteredClaims
	IssuedBy string        `json:"issued_by"`
	Command  ActionCommand `json:"command"`
	WorkerID string        `json:"worker_id,omitempty"`
}

// TokenIssuer signs waivers and human actions at the accountability
// interface. The kernel only ever needs the verification key.
type TokenIssuer struct {
	key      ed25519.PrivateKey
	issuedBy string
}

func NewTokenIssuer(key ed25519.PrivateKey, issuedBy string) *TokenIssuer {
	return &TokenIssuer{key: key, issuedBy: issuedBy}
}

// IssueWaiver signs a waiver scoped to (actor, action), valid for ttl.
// "*" wildcards either scope field.
func (i *TokenIssuer) IssueWaiver(actor, action string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := WaiverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IssuedBy: i.issuedBy,
		Actor:    actor,
		Action:   action,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
}

// IssueAction signs a human accountability action token.
func (i *TokenIssuer) IssueAction(cmd ActionCommand, workerID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ActionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IssuedBy: i.issuedBy,
		Command:  cmd,
		WorkerID: workerID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
}

func (e *Engine) parseWaiver(token string) (*WaiverClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &WaiverClaims{}, e.keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(e.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*WaiverClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("waiver token missing jti")
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("waiver token missing expiry")
	}
	return claims, nil
}

// ParseAction validates a signed human action token.
func (e *Engine) ParseAction(token string) (*ActionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ActionClaims{}, e.keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(e.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("action rejected: %w", err)
	}
	claims, ok := parsed.Claims.(*ActionClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("action rejected: %w", jwt.ErrTokenSignatureInvalid)
	}
	return claims, nil
}

// ApplyHumanAction verifies a signed action token and applies lockdown or
// step-down transitions. Reinstate commands are validated here but carried
// out by the engine array; callers route them after this returns.
func (e *Engine) ApplyHumanAction(token string) (*ActionClaims, error) {
	claims, err := e.ParseAction(token)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch claims.Command {
	case CommandLockdown:
		e.transitionLocked(contracts.ModeLockdown, "explicit human lockdown by "+claims.IssuedBy, 0)
	case CommandStepDown:
		switch e.mode {
		case contracts.ModeLockdown:
			e.transitionLocked(contracts.ModeRestricted, "human step-down by "+claims.IssuedBy, 0)
		case contracts.ModeRestricted:
			e.transitionLocked(contracts.ModeNormal, "human step-down by "+claims.IssuedBy, 0)
		}
		// Stepping down clears the window; otherwise a hot window would
		// immediately re-trip the mode the human just relaxed.
		e.samples = nil
	case CommandReinstateWorker:
		if claims.WorkerID == "" {
			return nil, fmt.Errorf("action rejected: reinstate_worker requires worker_id")
		}
	default:
		return nil, fmt.Errorf("action rejected: unknown command %q", claims.Command)
	}
	return claims, nil
}

func (e *Engine) keyFunc(t *jwt.Token) (any, error) {
	return e.verifyKey, nil
}
