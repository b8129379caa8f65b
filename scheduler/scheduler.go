package scheduler

import (
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/metrics"
	"github.com/onflow/block-stm/model"
)

// DefaultMediumPriorityWait bounds how long a medium-priority transaction
// waits for an in-progress dependency before self-aborting. A tunable, not
// a correctness requirement.
const DefaultMediumPriorityWait = 100 * time.Microsecond

type Option func(*Scheduler)

// WithTierWidth overrides the priority tier width (default numWorkers / 4).
func WithTierWidth(width uint32) Option {
	return func(s *Scheduler) {
		if width > 0 {
			s.tierWidth = width
		}
	}
}

// WithMediumPriorityWait overrides the bounded wait of the medium-priority
// dependency policy.
func WithMediumPriorityWait(wait time.Duration) Option {
	return func(s *Scheduler) {
		s.mediumWait = wait
	}
}

// Scheduler decides which transaction/incarnation to execute next, tracks
// abort dependencies between transactions, propagates stalls, and commits
// transactions strictly in index order. One Scheduler serves exactly one
// block; all per-transaction state is sized at construction.
type Scheduler struct {
	log     zerolog.Logger
	metrics metrics.Collector

	numTxns    uint32
	numWorkers uint32
	tierWidth  uint32
	mediumWait time.Duration

	// flat per-index arenas; a transaction's status and dependency record
	// are guarded by their own locks so unrelated transactions never
	// contend.
	statuses []*executionStatus
	aborted  []*abortedDependencies
	history  []*abortHistory

	queue *executionQueue

	// nextToCommitIdx is advanced only under commitMu (single-writer
	// frontier). Lock-free loads of it are safe where the observed write
	// was already ordered by a per-index status lock release; see
	// tryCommitFrom.
	commitMu        sync.Mutex
	committed       []bool
	nextToCommitIdx *atomic.Uint32

	// executedMu serializes executed-index advancement scans.
	executedMu sync.Mutex

	// numAborts counts every aborted incarnation, invalidations and
	// self-aborts alike. Each successful tryAbort increments it exactly once.
	numAborts *atomic.Uint32

	isDone   *atomic.Bool
	isHalted *atomic.Bool
	haltOnce sync.Once
	haltChan chan struct{}

	// bounded post-commit work queue, drained by NextTask before anything
	// else; sized to the block so sends never block.
	postCommit chan model.TxnIndex
}

// NewScheduler allocates all per-transaction state for a block of numTxns
// transactions executed by numWorkers workers.
func NewScheduler(
	numTxns uint32,
	numWorkers uint32,
	log zerolog.Logger,
	collector metrics.Collector,
	opts ...Option,
) *Scheduler {
	if numWorkers == 0 {
		numWorkers = 1
	}

	queue := newExecutionQueue(numTxns)

	statuses := make([]*executionStatus, numTxns)
	aborted := make([]*abortedDependencies, numTxns)
	history := make([]*abortHistory, numTxns)
	for i := uint32(0); i < numTxns; i++ {
		statuses[i] = newExecutionStatus(model.TxnIndex(i), queue)
		aborted[i] = newAbortedDependencies()
		history[i] = newAbortHistory()
	}

	tierWidth := numWorkers / 4
	if tierWidth == 0 {
		tierWidth = 1
	}

	s := &Scheduler{
		log:             log.With().Str("component", "stm_scheduler").Logger(),
		metrics:         collector,
		numTxns:         numTxns,
		numWorkers:      numWorkers,
		tierWidth:       tierWidth,
		mediumWait:      DefaultMediumPriorityWait,
		statuses:        statuses,
		aborted:         aborted,
		history:         history,
		queue:           queue,
		committed:       make([]bool, numTxns),
		nextToCommitIdx: atomic.NewUint32(0),
		numAborts:       atomic.NewUint32(0),
		isDone:          atomic.NewBool(numTxns == 0),
		isHalted:        atomic.NewBool(false),
		haltChan:        make(chan struct{}),
		postCommit:      make(chan model.TxnIndex, numTxns),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log.Debug().
		Uint32("num_txns", numTxns).
		Uint32("num_workers", numWorkers).
		Uint32("tier_width", s.tierWidth).
		Msg("scheduler created")

	return s
}

// NextTask returns the next unit of work for a worker: pending post-commit
// work first, otherwise the lowest execution-ready transaction, a spin
// directive when a dispatch raced with a stall or the queue is momentarily
// empty, and done once the block has fully committed and post-commit work
// is drained.
func (s *Scheduler) NextTask() model.Task {
	select {
	case idx := <-s.postCommit:
		return model.NewCommitTask(idx)
	default:
	}

	if s.isDone.Load() {
		// drain post-commit work enqueued before the done flag flipped
		select {
		case idx := <-s.postCommit:
			return model.NewCommitTask(idx)
		default:
			return model.Task{Kind: model.TaskDone}
		}
	}

	idx, ok := s.queue.popMin()
	if !ok {
		return model.Task{Kind: model.TaskSpin}
	}

	incarnation, ok := s.statuses[idx].tryStartExecuting()
	if !ok {
		// raced with a stall or an in-flight execution; the status
		// re-admits itself when it becomes runnable again
		return model.Task{Kind: model.TaskSpin}
	}

	s.metrics.ExecutionStarted(uint32(incarnation))
	return model.NewExecuteTask(idx, incarnation)
}

// FinishExecution is the single mutating entry point after a transaction
// completes an incarnation. invalidated lists the downstream versions whose
// previously-read values this execution changed; each is aborted (if the
// incarnation still matches) and re-queued. Afterwards the transaction's
// own status moves to Executed, stall propagation runs, the commit frontier
// is checked, and a first-ever completion advances the executed index.
func (s *Scheduler) FinishExecution(
	txnIndex model.TxnIndex,
	incarnation model.Incarnation,
	invalidated []model.Version,
) error {
	if uint32(txnIndex) >= s.numTxns {
		return errors.NewCodeInvariantFailuref(
			"finish_execution of out-of-range transaction %d (block size %d)",
			txnIndex, s.numTxns)
	}

	// validate the whole invalidated list before mutating anything, so a
	// malformed report leaves no partial dependency records behind
	for _, version := range invalidated {
		if version.TxnIndex <= txnIndex || uint32(version.TxnIndex) >= s.numTxns {
			return errors.NewCodeInvariantFailuref(
				"transaction %d reported invalidation of non-downstream version %s",
				txnIndex, version)
		}
	}

	worklist := deque.New()

	if incarnation > 0 && len(invalidated) > 0 {
		dependents := make([]model.TxnIndex, 0, len(invalidated))
		for _, version := range invalidated {
			dependents = append(dependents, version.TxnIndex)
		}
		if s.aborted[txnIndex].record(dependents) {
			// already stalled: re-run propagation so the new dependents
			// inherit the stall
			worklist.PushBack(txnIndex)
		}
	}

	for _, version := range invalidated {
		if !s.statuses[version.TxnIndex].tryAbort(version.Incarnation) {
			continue
		}
		s.numAborts.Inc()
		s.metrics.TransactionAborted()
		s.history[version.TxnIndex].recordAbortBy(txnIndex)
		s.queue.readmit(version.TxnIndex, version.Incarnation+1)
		// the aborted transaction's output will change; stall everything
		// recorded behind it
		worklist.PushBack(version.TxnIndex)
	}

	outcome, err := s.statuses[txnIndex].finishExecution(incarnation)
	if err != nil {
		s.log.Err(err).
			Uint32("txn_index", uint32(txnIndex)).
			Uint32("incarnation", uint32(incarnation)).
			Msg("finish_execution rejected")
		return err
	}

	if !outcome.stale {
		s.metrics.ExecutionFinished(uint32(incarnation))
		worklist.PushBack(txnIndex)
	}

	if err := s.propagate(worklist); err != nil {
		return err
	}

	if outcome.firstCompletion {
		s.tryIncreaseExecutedIdx()
	}
	return nil
}

// propagate drains a worklist of transaction indices. The operation to
// apply is decided at dequeue time from the transaction's current
// executed/stalled state, so conflicting stall/unstall commands for the
// same index never need merging.
func (s *Scheduler) propagate(worklist *deque.Deque) error {
	for {
		item, ok := worklist.PopFront()
		if !ok {
			return nil
		}
		idx := item.(model.TxnIndex)

		if s.statuses[idx].isExecuted() {
			more, err := s.aborted[idx].unstall(
				s.statuses, s.metrics.TransactionUnstalled)
			if err != nil {
				return err
			}
			for _, dep := range more {
				worklist.PushBack(dep)
			}
			// an executed, unstalled transaction may be the commit frontier
			s.tryCommitFrom(uint32(idx))
			continue
		}

		for _, dep := range s.aborted[idx].stall(
			s.statuses, s.metrics.TransactionStalled) {
			worklist.PushBack(dep)
		}
	}
}

// tryCommitFrom advances the commit frontier while successive transactions
// are executed and unstalled, pushing each committed index to the
// post-commit queue. Reaching the end of the block flips the done flag.
//
// The lock-free frontier load below is safe: the only write it can observe
// was performed under commitMu, and the caller only reaches this point
// after the candidate transaction's own status lock was released, so the
// status read inside the loop re-validates everything that matters.
func (s *Scheduler) tryCommitFrom(txnIndex uint32) {
	if s.nextToCommitIdx.Load() != txnIndex {
		return
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for {
		idx := s.nextToCommitIdx.Load()
		if idx >= s.numTxns || s.committed[idx] {
			break
		}
		if !s.statuses[idx].isExecuted() {
			break
		}

		s.committed[idx] = true
		s.nextToCommitIdx.Store(idx + 1)
		s.metrics.TransactionCommitted()

		// cap numTxns, each index pushed exactly once: never blocks
		s.postCommit <- model.TxnIndex(idx)
	}

	if s.nextToCommitIdx.Load() == s.numTxns && !s.isDone.Load() {
		s.isDone.Store(true)
		s.log.Debug().Msg("block fully committed")
	}
}

// tryIncreaseExecutedIdx advances the first-index-not-yet-executed counter
// past every transaction that has completed at least one incarnation,
// admitting deferred re-executions the counter caught up to.
func (s *Scheduler) tryIncreaseExecutedIdx() {
	s.executedMu.Lock()
	defer s.executedMu.Unlock()

	idx := s.queue.executedIdx.Load()
	next := idx
	for next < s.numTxns && s.statuses[next].everExecutedOnce() {
		next++
	}
	if next > idx {
		s.queue.advanceExecutedIdx(next)
	}
}

// Halt aborts the block cooperatively: workers observe Done on their next
// dispatch and dependency waiters wake immediately.
func (s *Scheduler) Halt() {
	s.haltOnce.Do(func() {
		s.isHalted.Store(true)
		s.isDone.Store(true)
		close(s.haltChan)
		s.log.Debug().Msg("scheduler halted")
	})
}

// IsDone reports whether the block has fully committed or was halted.
func (s *Scheduler) IsDone() bool {
	return s.isDone.Load()
}

func (s *Scheduler) isHaltedNow() bool {
	return s.isHalted.Load()
}

// Stats is a point-in-time snapshot of block progress.
type Stats struct {
	ExecutedIdx     uint32
	NextToCommitIdx uint32

	// Aborts is the total number of aborted incarnations. In a fully
	// committed block every transaction executed exactly 1 + its share of
	// Aborts times.
	Aborts uint32

	Done   bool
	Halted bool
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		ExecutedIdx:     s.queue.executedIdx.Load(),
		NextToCommitIdx: s.nextToCommitIdx.Load(),
		Aborts:          s.numAborts.Load(),
		Done:            s.isDone.Load(),
		Halted:          s.isHalted.Load(),
	}
}
