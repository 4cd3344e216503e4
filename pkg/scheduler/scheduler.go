// Package scheduler admits, orders, and dispatches approved intents.
//
// Admission consults the security engine's operating mode; admitted
// intents wait in a bounded priority queue ordered by ascending risk
// score so that low-risk work is dispatched first. The scheduler never
// executes anything itself: dispatchers hand intents to an Executor and
// record the bounded outcome.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/enginearray"
)

var (
	ErrClosed            = errors.New("scheduler closed")
	ErrUnknownIntent     = errors.New("unknown intent")
	ErrAlreadyDispatched = errors.New("intent already dispatched")
)

// Executor carries out one admitted intent within a bounded deadline.
// Satisfied by enginearray.Array.
type Executor interface {
	Execute(ctx context.Context, intent contracts.Intent) (enginearray.Result, error)
}

// ModeSource exposes the security engine state the admission policy
// depends on.
type ModeSource interface {
	CurrentMode() contracts.Mode
	RestrictedRiskCap() float64
	ConsumeWaiver(actor, action string) (waiverID string, ok bool)
}

// Config tunes queue capacity and dispatch behavior.
type Config struct {
	Capacity        int
	Dispatchers     int
	DispatchTimeout time.Duration

	// ActorRate limits submissions per actor per second; zero disables
	// the limiter.
	ActorRate  rate.Limit
	ActorBurst int
}

func DefaultConfig() Config {
	return Config{
		Capacity:        100,
		Dispatchers:     4,
		DispatchTimeout: 30 * time.Second,
	}
}

type entry struct {
	seq       uint64
	intent    contracts.Intent
	risk      float64
	admission *contracts.Admission
	done      chan struct{}
	heapIndex int
}

// entryHeap orders by ascending risk score, then by submission sequence
// so equal-risk intents dispatch FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].risk != h[j].risk {
		return h[i].risk < h[j].risk
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the risk-adaptive admission and dispatch stage.
type Scheduler struct {
	cfg      Config
	modes    ModeSource
	executor Executor
	logger   *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    entryHeap
	entries  map[string]*entry
	limiters map[string]*rate.Limiter
	nextSeq  uint64
	closed   bool
	wg       sync.WaitGroup
}

// New builds a scheduler. Dispatchers do not run until Start is called,
// so admission policy can be exercised without execution.
func New(cfg Config, modes ModeSource, executor Executor) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Dispatchers <= 0 {
		cfg.Dispatchers = DefaultConfig().Dispatchers
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	s := &Scheduler{
		cfg:      cfg,
		modes:    modes,
		executor: executor,
		logger:   slog.Default().With("component", "scheduler"),
		queue:    make(entryHeap, 0, cfg.Capacity),
		entries:  make(map[string]*entry),
		limiters: make(map[string]*rate.Limiter),
		nextSeq:  1,
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.queue)
	return s
}

// Start launches the dispatcher goroutines.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Dispatchers; i++ {
		s.wg.Add(1)
		go s.dispatch()
	}
}

// Submit applies the admission policy to an evaluated intent and, if
// admitted, places it in the priority queue. The returned Admission is
// the decision; Wait observes the execution outcome. Rejections carry a
// reason code and a sentinel error from the contracts taxonomy.
func (s *Scheduler) Submit(ctx context.Context, ir *contracts.IR, verdict *contracts.Verdict) (*contracts.Admission, error) {
	adm := &contracts.Admission{
		IntentID: ir.Intent.ID,
		State:    contracts.AdmissionPending,
	}

	if !s.allowActor(ir.Intent.Actor) {
		return reject(adm, contracts.ReasonRateLimited), contracts.ErrOverloaded
	}

	if verdict.Outcome == contracts.OutcomeDeny {
		reason := contracts.ReasonPolicyDenied
		if len(verdict.MatchedRuleIDs) == 0 {
			reason = contracts.ReasonNoRuleMatched
		}
		return reject(adm, reason), contracts.ErrPolicyDenied
	}

	mode := s.modes.CurrentMode()

	// RESTRICTED admits only risk strictly below the tightened cap.
	if mode == contracts.ModeRestricted && verdict.RiskScore >= s.modes.RestrictedRiskCap() {
		return reject(adm, contracts.ReasonRestrictedCap), contracts.ErrLockdownActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reject(adm, contracts.ReasonCancelled), ErrClosed
	}
	if len(s.queue) >= s.cfg.Capacity {
		return reject(adm, contracts.ReasonOverloaded), contracts.ErrOverloaded
	}

	// A waiver admits the intent through lockdown and discharges a
	// CONDITIONAL verdict; one consumption covers both. Consumption
	// happens last, once every other rejection path is cleared, so a
	// capacity or mode rejection never burns a one-shot waiver.
	if mode == contracts.ModeLockdown || verdict.Outcome == contracts.OutcomeConditional {
		waiverID, ok := s.modes.ConsumeWaiver(ir.Intent.Actor, ir.Intent.Action)
		if !ok {
			if mode == contracts.ModeLockdown {
				return reject(adm, contracts.ReasonLockdown), contracts.ErrLockdownActive
			}
			return reject(adm, contracts.ReasonWaiverRequired), contracts.ErrWaiverRequired
		}
		adm.WaiverID = waiverID
		adm.ReasonCode = contracts.ReasonWaiverAttached
	}

	e := &entry{
		seq:       s.nextSeq,
		intent:    ir.Intent,
		risk:      verdict.RiskScore,
		admission: adm,
		done:      make(chan struct{}),
	}
	s.nextSeq++
	adm.State = contracts.AdmissionAdmitted
	heap.Push(&s.queue, e)
	s.entries[ir.Intent.ID] = e
	s.cond.Signal()
	return adm, nil
}

func reject(adm *contracts.Admission, reason string) *contracts.Admission {
	adm.State = contracts.AdmissionRejected
	adm.ReasonCode = reason
	return adm
}

// Wait blocks until the intent's execution completes, it is cancelled,
// or ctx expires. The result is consumed: a completed intent is released
// from the scheduler's bookkeeping and a second Wait for the same ID
// returns ErrUnknownIntent.
func (s *Scheduler) Wait(ctx context.Context, intentID string) (*contracts.Admission, error) {
	s.mu.Lock()
	e, ok := s.entries[intentID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownIntent
	}
	select {
	case <-e.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		snapshot := *e.admission
		delete(s.entries, intentID)
		return &snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a queued intent before dispatch. Once a dispatcher has
// taken the intent it can no longer be cancelled; only the dispatch
// deadline ends it early.
func (s *Scheduler) Cancel(intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if e.heapIndex < 0 {
		return ErrAlreadyDispatched
	}
	heap.Remove(&s.queue, e.heapIndex)
	e.admission.State = contracts.AdmissionRejected
	e.admission.ReasonCode = contracts.ReasonCancelled
	close(e.done)
	return nil
}

// QueueLen reports the number of admitted intents awaiting dispatch.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) allowActor(actor string) bool {
	if s.cfg.ActorRate <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[actor]
	if !ok {
		lim = rate.NewLimiter(s.cfg.ActorRate, s.cfg.ActorBurst)
		s.limiters[actor] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.queue).(*entry)
		e.admission.State = contracts.AdmissionDispatched
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
		res, err := s.executor.Execute(ctx, e.intent)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()

		s.mu.Lock()
		switch {
		case err != nil:
			e.admission.ExecutionOutcome = contracts.ExecutionFailed
			e.admission.ExecutionError = err.Error()
			e.admission.ReasonCode = contracts.ReasonWorkerFault
		default:
			e.admission.ExecutionOutcome = res.Outcome
			e.admission.ExecutionError = res.Err
			if res.Outcome == contracts.ExecutionFailed {
				e.admission.ReasonCode = contracts.ReasonWorkerFault
				if timedOut {
					e.admission.ReasonCode = contracts.ReasonTimeout
				}
			}
		}
		e.admission.State = contracts.AdmissionCompleted
		close(e.done)
		s.mu.Unlock()

		if e.admission.ExecutionOutcome != contracts.ExecutionSuccess {
			s.logger.Warn("execution did not succeed",
				"intent_id", e.intent.ID,
				"outcome", e.admission.ExecutionOutcome,
				"error", e.admission.ExecutionError)
		}
	}
}

// Close stops admission and drains the dispatchers. Intents still
// queued are dispatched before Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}
