// Package security owns the kernel's operating mode, the rolling risk
// window that drives automatic tightening, and the waiver registry.
//
// Mode only ever tightens automatically. Recovery requires an explicit
// signed human action; there is no decay timer. This asymmetry is a
// deliberate fail-safe.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto/ed25519"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Config tunes the risk thresholds.
type Config struct {
	// RestrictedThreshold is the rolling-window risk sum that moves
	// NORMAL to RESTRICTED.
	RestrictedThreshold float64

	// LockdownThreshold is the higher sum that moves RESTRICTED to LOCKDOWN.
	LockdownThreshold float64

	// RestrictedRiskCap is the per-intent risk ceiling admitted in
	// RESTRICTED mode.
	RestrictedRiskCap float64

	// RiskWindow is the rolling window duration.
	RiskWindow time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RestrictedThreshold: 100,
		LockdownThreshold:   250,
		RestrictedRiskCap:   5,
		RiskWindow:          5 * time.Minute,
	}
}

type riskSample struct {
	at    time.Time
	score float64
}

type registeredWaiver struct {
	waiver   contracts.Waiver
	consumed bool
}

// Engine is the security engine. Single writer, many readers.
type Engine struct {
	cfg       Config
	verifyKey ed25519.PublicKey
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	mode    contracts.Mode
	samples []riskSample
	waivers map[string]*registeredWaiver
}

func NewEngine(cfg Config, verifyKey ed25519.PublicKey) *Engine {
	if cfg.RiskWindow <= 0 {
		cfg.RiskWindow = DefaultConfig().RiskWindow
	}
	return &Engine{
		cfg:       cfg,
		verifyKey: verifyKey,
		clock:     time.Now,
		logger:    slog.Default().With("component", "security"),
		mode:      contracts.ModeNormal,
		waivers:   make(map[string]*registeredWaiver),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CurrentMode returns the operating mode.
func (e *Engine) CurrentMode() contracts.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// RestrictedRiskCap returns the per-intent risk ceiling for RESTRICTED mode.
func (e *Engine) RestrictedRiskCap() float64 {
	return e.cfg.RestrictedRiskCap
}

// RecordRisk adds an evaluated intent's risk score to the rolling window
// and applies automatic tightening transitions.
func (e *Engine) RecordRisk(score float64) {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, riskSample{at: now, score: score})
	e.pruneLocked(now)

	sum := 0.0
	for _, s := range e.samples {
		sum += s.score
	}

	switch e.mode {
	case contracts.ModeNormal:
		if sum > e.cfg.RestrictedThreshold {
			e.transitionLocked(contracts.ModeRestricted, "rolling risk threshold exceeded", sum)
		}
	case contracts.ModeRestricted:
		if sum > e.cfg.LockdownThreshold {
			e.transitionLocked(contracts.ModeLockdown, "lockdown risk threshold exceeded", sum)
		}
	}
}

// ReportBoundaryTrip is called by the engine array when a worker is
// quarantined. A trip tightens the mode one step; a trip while already
// RESTRICTED goes to LOCKDOWN.
func (e *Engine) ReportBoundaryTrip(workerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.mode {
	case contracts.ModeNormal:
		e.transitionLocked(contracts.ModeRestricted, fmt.Sprintf("fault boundary tripped by worker %s", workerID), 0)
	case contracts.ModeRestricted:
		e.transitionLocked(contracts.ModeLockdown, fmt.Sprintf("fault boundary tripped by worker %s", workerID), 0)
	}
}

// RollingRiskSum reports the current window sum (for health surfaces).
func (e *Engine) RollingRiskSum() float64 {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)
	sum := 0.0
	for _, s := range e.samples {
		sum += s.score
	}
	return sum
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.RiskWindow)
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
}

func (e *Engine) transitionLocked(to contracts.Mode, reason string, riskSum float64) {
	if e.mode == to {
		return
	}
	e.logger.Warn("operating mode transition",
		"from", string(e.mode), "to", string(to), "reason", reason, "risk_sum", riskSum)
	e.mode = to
}

// IssueWaiver validates a signed waiver token and registers it for
// one-time consumption. Rejections carry the reason.
func (e *Engine) IssueWaiver(ctx context.Context, token string) (*contracts.Waiver, error) {
	claims, err := e.parseWaiver(token)
	if err != nil {
		return nil, fmt.Errorf("waiver rejected: %w", err)
	}

	w := contracts.Waiver{
		ID:        claims.ID,
		IssuedBy:  claims.IssuedBy,
		Actor:     claims.Actor,
		Action:    claims.Action,
		ExpiresAt: claims.ExpiresAt.Time,
		Token:     token,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.waivers[w.ID]; ok && existing.consumed {
		return nil, fmt.Errorf("waiver rejected: waiver %s already consumed", w.ID)
	}
	e.waivers[w.ID] = &registeredWaiver{waiver: w}
	e.logger.Info("waiver registered", "waiver_id", w.ID, "issued_by", w.IssuedBy,
		"actor", w.Actor, "action", w.Action, "expires_at", w.ExpiresAt)
	return &w, nil
}

// ConsumeWaiver finds a registered, unexpired, unconsumed waiver matching
// (actor, action) and marks it consumed. Consumption is at most once.
func (e *Engine) ConsumeWaiver(actor, action string) (string, bool) {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rw := range e.waivers {
		if rw.consumed {
			continue
		}
		if !rw.waiver.ExpiresAt.After(now) {
			continue
		}
		if !scopeMatches(rw.waiver.Actor, actor) || !scopeMatches(rw.waiver.Action, action) {
			continue
		}
		rw.consumed = true
		e.logger.Info("waiver consumed", "waiver_id", id, "actor", actor, "action", action)
		return id, true
	}
	return "", false
}

func scopeMatches(scope, value string) bool {
	return scope == "*" || scope == value
}
