// Package enginearray runs approved intents on a fixed pool of isolated
// workers.
//
// Each worker is wrapped in a fault-isolation boundary: a panic inside
// one worker becomes a FAILED outcome for that intent and never reaches
// the scheduler's control state or the other workers. Workers that fail
// repeatedly are quarantined and reported to the security engine.
package enginearray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

var (
	ErrArrayClosed    = errors.New("engine array closed")
	ErrNoWorkers      = errors.New("no workers available: all quarantined")
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrNotQuarantined = errors.New("worker is not quarantined")
)

// Driver carries out one approved intent.
type Driver interface {
	Execute(ctx context.Context, intent contracts.Intent) error
}

// TripReporter receives quarantine notifications. Satisfied by the
// security engine.
type TripReporter interface {
	ReportBoundaryTrip(workerID string)
}

// Result is the bounded outcome of one execution.
type Result struct {
	Outcome  contracts.ExecutionOutcome
	Err      string
	WorkerID string
}

type task struct {
	intent  contracts.Intent
	ctx     context.Context
	// resultCh is buffered so a late worker result after the caller's
	// deadline is dropped instead of blocking the worker.
	resultCh chan Result
}

// Config tunes the pool.
type Config struct {
	Workers             int
	QuarantineThreshold int // consecutive failures before quarantine
}

func DefaultConfig() Config {
	return Config{Workers: 4, QuarantineThreshold: 3}
}

// Array is the fixed-size execution pool.
type Array struct {
	cfg      Config
	driver   Driver
	reporter TripReporter
	logger   *slog.Logger
	tasks    chan task

	mu          sync.Mutex
	closed      bool
	active      map[string]bool
	quarantined map[string]bool
	failures    map[string]int
	wg          sync.WaitGroup
}

func New(cfg Config, driver Driver, reporter TripReporter) *Array {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QuarantineThreshold <= 0 {
		cfg.QuarantineThreshold = DefaultConfig().QuarantineThreshold
	}
	a := &Array{
		cfg:         cfg,
		driver:      driver,
		reporter:    reporter,
		logger:      slog.Default().With("component", "enginearray"),
		tasks:       make(chan task),
		active:      make(map[string]bool),
		quarantined: make(map[string]bool),
		failures:    make(map[string]int),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.startWorker(fmt.Sprintf("worker-%d", i))
	}
	return a
}

// Execute hands the intent to a free worker and waits for its bounded
// outcome. The caller's ctx deadline is the only way to end an execution
// early; a late worker result is discarded.
func (a *Array) Execute(ctx context.Context, intent contracts.Intent) (Result, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Result{}, ErrArrayClosed
	}
	if len(a.active) == 0 {
		a.mu.Unlock()
		return Result{}, ErrNoWorkers
	}
	a.mu.Unlock()

	t := task{intent: intent, ctx: ctx, resultCh: make(chan Result, 1)}
	select {
	case a.tasks <- t:
	case <-ctx.Done():
		return Result{
			Outcome: contracts.ExecutionFailed,
			Err:     "dispatch wait exceeded deadline",
		}, nil
	}

	select {
	case res := <-t.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{
			Outcome: contracts.ExecutionFailed,
			Err:     "execution exceeded deadline",
		}, nil
	}
}

func (a *Array) startWorker(id string) {
	a.mu.Lock()
	a.active[id] = true
	delete(a.quarantined, id)
	a.failures[id] = 0
	a.mu.Unlock()

	a.wg.Add(1)
	go a.workerLoop(id)
}

func (a *Array) workerLoop(id string) {
	defer a.wg.Done()
	for t := range a.tasks {
		res := a.runBoundary(id, t)
		t.resultCh <- res // buffered; never blocks

		if res.Outcome == contracts.ExecutionFailed {
			if a.recordFailure(id) {
				return // quarantined; stop consuming
			}
		} else {
			a.resetFailures(id)
		}
	}
}

// runBoundary is the fault-isolation boundary: panics become FAILED.
func (a *Array) runBoundary(workerID string, t task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("worker fault contained",
				"worker_id", workerID, "intent_id", t.intent.ID, "panic", fmt.Sprint(r))
			res = Result{
				Outcome:  contracts.ExecutionFailed,
				Err:      fmt.Sprintf("worker fault: %v", r),
				WorkerID: workerID,
			}
		}
	}()

	if err := a.driver.Execute(t.ctx, t.intent); err != nil {
		return Result{
			Outcome:  contracts.ExecutionFailed,
			Err:      err.Error(),
			WorkerID: workerID,
		}
	}
	return Result{Outcome: contracts.ExecutionSuccess, WorkerID: workerID}
}

// recordFailure returns true when the worker crossed the quarantine
// threshold and must stop.
func (a *Array) recordFailure(id string) bool {
	a.mu.Lock()
	a.failures[id]++
	tripped := a.failures[id] >= a.cfg.QuarantineThreshold
	if tripped {
		delete(a.active, id)
		a.quarantined[id] = true
	}
	a.mu.Unlock()

	if tripped {
		a.logger.Warn("worker quarantined", "worker_id", id, "consecutive_failures", a.cfg.QuarantineThreshold)
		if a.reporter != nil {
			a.reporter.ReportBoundaryTrip(id)
		}
	}
	return tripped
}

func (a *Array) resetFailures(id string) {
	a.mu.Lock()
	a.failures[id] = 0
	a.mu.Unlock()
}

// Reinstate returns a quarantined worker to the pool. Only reachable via
// a verified human accountability action.
func (a *Array) Reinstate(workerID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrArrayClosed
	}
	if a.active[workerID] {
		a.mu.Unlock()
		return ErrNotQuarantined
	}
	if !a.quarantined[workerID] {
		a.mu.Unlock()
		return ErrUnknownWorker
	}
	a.mu.Unlock()

	a.logger.Info("worker reinstated", "worker_id", workerID)
	a.startWorker(workerID)
	return nil
}

// ActiveWorkers reports how many workers are serving tasks.
func (a *Array) ActiveWorkers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Quarantined lists quarantined worker IDs in stable order.
func (a *Array) Quarantined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.quarantined))
	for id := range a.quarantined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close drains the pool. Pending Execute calls fail with their deadline.
func (a *Array) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	close(a.tasks)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
