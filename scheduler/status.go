package scheduler

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/model"
)

type executionPhase int

const (
	phaseRequiresExecution executionPhase = iota
	phaseExecuting
	phaseExecuted
)

func (p executionPhase) String() string {
	switch p {
	case phaseRequiresExecution:
		return "requires_execution"
	case phaseExecuting:
		return "executing"
	case phaseExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// executionStatus is the per-transaction execution state machine. It tracks
// the current incarnation, the execution phase of that incarnation, and the
// number of outstanding stalls. All mutation happens under the status' own
// lock; unrelated transactions never contend.
//
// The status holds a shared handle to the scheduler-owned execution queue so
// that it can re-admit itself when an unstall leaves it runnable. Ownership
// of the status itself stays with the scheduler's flat per-index array.
type executionStatus struct {
	txnIndex model.TxnIndex
	queue    *executionQueue

	mu          sync.Mutex
	phase       executionPhase
	incarnation model.Incarnation
	numStalls   uint32

	// everExecuted is latched on the first completed incarnation and drives
	// the executed-index advancement.
	everExecuted bool

	// changed is closed and replaced whenever the status transitions in a
	// way a dependency waiter could care about.
	changed chan struct{}

	// resolved caches "executed and not stalled". It is written only under
	// mu; the lock-free read in the happy-path dependency check is safe
	// because any true value it observes was published by a lock release on
	// this same status, which ordered the writing transaction's output
	// before it.
	resolved atomic.Bool
}

func newExecutionStatus(txnIndex model.TxnIndex, queue *executionQueue) *executionStatus {
	return &executionStatus{
		txnIndex: txnIndex,
		queue:    queue,
		phase:    phaseRequiresExecution,
		changed:  make(chan struct{}),
	}
}

// tryStartExecuting transitions RequiresExecution(k) to Executing(k) and
// returns k. It fails if the transaction is stalled, already executing, or
// already executed.
func (s *executionStatus) tryStartExecuting() (model.Incarnation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseRequiresExecution || s.numStalls > 0 {
		return 0, false
	}

	s.phase = phaseExecuting
	return s.incarnation, true
}

type finishOutcome struct {
	// stale is true when the incarnation was aborted while executing and a
	// newer incarnation owns the status; the finish call must be ignored.
	stale bool

	// firstCompletion is true the first time any incarnation of this
	// transaction completes; it unlocks executed-index advancement.
	firstCompletion bool
}

// finishExecution transitions Executing(k) to Executed(k). A mismatched
// incarnation caused by a concurrent abort is reported as stale, not as an
// error; a finish call that cannot be explained by an abort is a fatal
// contract violation.
func (s *executionStatus) finishExecution(
	incarnation model.Incarnation,
) (finishOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.incarnation != incarnation {
		if s.incarnation > incarnation {
			// aborted mid-execution; a newer incarnation supersedes this one
			return finishOutcome{stale: true}, nil
		}
		return finishOutcome{}, errors.NewCodeInvariantFailuref(
			"transaction %d: finish_execution with future incarnation %d (current %d)",
			s.txnIndex, incarnation, s.incarnation)
	}

	if s.phase != phaseExecuting {
		return finishOutcome{}, errors.NewCodeInvariantFailuref(
			"transaction %d: finish_execution of incarnation %d in phase %s",
			s.txnIndex, incarnation, s.phase)
	}

	s.phase = phaseExecuted
	firstCompletion := !s.everExecuted
	s.everExecuted = true
	s.updateResolvedLocked()
	s.notifyLocked()

	return finishOutcome{
		firstCompletion: firstCompletion,
	}, nil
}

// tryAbort transitions Executed(k) or Executing(k) to RequiresExecution(k+1)
// iff k matches the current incarnation. The incarnation check prevents
// double-aborts of the same attempt. The caller is responsible for
// re-admitting the transaction to the execution queue and for stalling its
// recorded dependents.
func (s *executionStatus) tryAbort(incarnation model.Incarnation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.incarnation != incarnation || s.phase == phaseRequiresExecution {
		return false
	}

	s.incarnation++
	s.phase = phaseRequiresExecution
	s.updateResolvedLocked()
	s.notifyLocked()
	return true
}

// addStall increments the stall count and reports whether the transaction
// flipped to net-stalled (count 0 -> 1), in which case the caller must
// propagate the stall to this transaction's own dependents.
func (s *executionStatus) addStall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numStalls++
	if s.numStalls == 1 {
		s.updateResolvedLocked()
		return true
	}
	return false
}

// removeStall decrements the stall count and reports whether the transaction
// flipped to net-unstalled. When the unstalled transaction requires
// execution, it re-admits itself to the execution queue through the shared
// queue handle.
func (s *executionStatus) removeStall() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numStalls == 0 {
		return false, errors.NewCodeInvariantFailuref(
			"transaction %d: remove_stall below zero", s.txnIndex)
	}

	s.numStalls--
	if s.numStalls > 0 {
		return false, nil
	}

	s.updateResolvedLocked()
	s.notifyLocked()

	if s.phase == phaseRequiresExecution {
		s.queue.readmit(s.txnIndex, s.incarnation)
	}
	return true, nil
}

// isExecuted reports whether the current incarnation has completed and the
// transaction carries no stalls. Wait-free; see the resolved field contract.
func (s *executionStatus) isExecuted() bool {
	return s.resolved.Load()
}

func (s *executionStatus) everExecutedOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everExecuted
}

func (s *executionStatus) requiresExecution() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseRequiresExecution
}

func (s *executionStatus) isExecuting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseExecuting
}

// watch returns a channel that is closed on the next observable transition.
// Callers must re-check their predicate after taking the channel and before
// blocking on it.
func (s *executionStatus) watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *executionStatus) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *executionStatus) updateResolvedLocked() {
	s.resolved.Store(s.phase == phaseExecuted && s.numStalls == 0)
}
