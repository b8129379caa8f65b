package scheduler

import (
	"time"

	"github.com/ef-ds/deque"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/model"
)

// priority classifies a transaction by its distance from the commit
// frontier. Work near the frontier is about to become final, so waiting for
// its dependencies is cheap and pays off; far from the frontier a blocked
// worker risks idling on work that may be discarded anyway.
type priority int

const (
	priorityHighest priority = iota
	priorityHigh
	priorityMedium
	priorityLow
)

func (p priority) String() string {
	switch p {
	case priorityHighest:
		return "highest"
	case priorityHigh:
		return "high"
	case priorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// priorityOf buckets a transaction into a tier of width tierWidth by its
// distance from the commit frontier. The frontier load is a racy
// approximation on purpose: priority is policy, not correctness, and a
// slightly stale frontier only shifts a boundary case by one tier.
func (s *Scheduler) priorityOf(txnIndex model.TxnIndex) priority {
	frontier := s.nextToCommitIdx.Load()
	if uint32(txnIndex) <= frontier {
		return priorityHighest
	}

	switch (uint32(txnIndex) - frontier) / s.tierWidth {
	case 0:
		return priorityHighest
	case 1:
		return priorityHigh
	case 2:
		return priorityMedium
	default:
		return priorityLow
	}
}

// ResolveDependencyHappyPath is the wait-free read-time check: it reports
// whether the upstream transaction is already executed and unstalled, in
// which case the caller may consume its output without releasing any of its
// own locks. On false the caller must release its locks and take the
// blocking ResolveDependency path.
func (s *Scheduler) ResolveDependencyHappyPath(
	txnIndex model.TxnIndex,
	depTxnIndex model.TxnIndex,
) (bool, error) {
	if depTxnIndex >= txnIndex || uint32(txnIndex) >= s.numTxns {
		return false, errors.NewCodeInvariantFailuref(
			"transaction %d resolving dependency on non-upstream transaction %d",
			txnIndex, depTxnIndex)
	}
	return s.statuses[depTxnIndex].isExecuted(), nil
}

// ResolveDependency blocks or speculates according to the caller's
// priority. It returns true when the caller should proceed with its read
// (either the dependency resolved or proceeding optimistically is judged
// worthwhile) and false when the caller must abandon the current
// incarnation: the scheduler has already self-aborted it and re-queued the
// next incarnation.
func (s *Scheduler) ResolveDependency(
	txnIndex model.TxnIndex,
	incarnation model.Incarnation,
	depTxnIndex model.TxnIndex,
) (bool, error) {
	if depTxnIndex >= txnIndex || uint32(txnIndex) >= s.numTxns {
		return false, errors.NewCodeInvariantFailuref(
			"transaction %d resolving dependency on non-upstream transaction %d",
			txnIndex, depTxnIndex)
	}

	dep := s.statuses[depTxnIndex]

	waitStart := time.Now()
	waited := false
	defer func() {
		if waited {
			s.metrics.DependencyWaitDuration(time.Since(waitStart))
		}
	}()

	mediumWaited := false
	for {
		// take the generation channel before checking the predicate so a
		// transition between check and block cannot be missed
		changed := dep.watch()

		if dep.isExecuted() {
			return true, nil
		}
		if s.isHaltedNow() {
			return false, nil
		}

		prio := s.priorityOf(txnIndex)
		hasHistory := s.history[txnIndex].hasAbortedOn(depTxnIndex)

		var timeout <-chan time.Time
		switch prio {
		case priorityHighest:
			// always worth waiting for: this work is about to be finalized

		case priorityHigh:
			if !hasHistory && !dep.isExecuting() {
				// waiting for a not-yet-started execution is not worth the
				// latency; proceed optimistically
				return true, nil
			}

		default: // medium, low
			if !hasHistory {
				// optimistic: the dependency never actually bit us; proceed
				// and let validation catch it if it does
				return true, nil
			}
			if prio == priorityMedium && !mediumWaited && dep.isExecuting() {
				mediumWaited = true
				timeout = time.After(s.mediumWait)
				break
			}
			if incarnation == 0 {
				return true, nil
			}
			// a doomed re-read is more expensive than a cheap self-abort
			// that preserves pipelining; abandon this incarnation
			return false, s.selfAbort(txnIndex, incarnation)
		}

		waited = true
		select {
		case <-changed:
		case <-timeout:
		case <-s.haltChan:
			return false, nil
		}
	}
}

// selfAbort speculatively aborts the calling transaction's current
// incarnation and re-queues the next one. Losing the abort race to a
// concurrent invalidation is fine; the caller must not proceed either way.
func (s *Scheduler) selfAbort(
	txnIndex model.TxnIndex,
	incarnation model.Incarnation,
) error {
	if !s.statuses[txnIndex].tryAbort(incarnation) {
		return nil
	}
	s.numAborts.Inc()
	s.metrics.TransactionAborted()
	s.queue.readmit(txnIndex, incarnation+1)

	worklist := deque.New()
	worklist.PushBack(txnIndex)
	return s.propagate(worklist)
}
