package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/metrics"
	"github.com/onflow/block-stm/model"
)

func newTestScheduler(t *testing.T, numTxns uint32, opts ...Option) *Scheduler {
	t.Helper()
	return NewScheduler(
		numTxns,
		4,
		zerolog.Nop(),
		metrics.NewNoopCollector(),
		opts...)
}

// expectExecute asserts the next dispatched task executes the given version.
func expectExecute(
	t *testing.T,
	s *Scheduler,
	txnIndex model.TxnIndex,
	incarnation model.Incarnation,
) {
	t.Helper()
	task := s.NextTask()
	require.Equal(t, model.TaskExecute, task.Kind)
	require.Equal(t, txnIndex, task.Version.TxnIndex)
	require.Equal(t, incarnation, task.Version.Incarnation)
}

func expectCommit(t *testing.T, s *Scheduler, txnIndex model.TxnIndex) {
	t.Helper()
	task := s.NextTask()
	require.Equal(t, model.TaskCommit, task.Kind)
	require.Equal(t, txnIndex, task.Version.TxnIndex)
}

func TestSchedulerEmptyBlock(t *testing.T) {
	s := newTestScheduler(t, 0)
	require.True(t, s.IsDone())
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerSingleTransaction(t *testing.T) {
	s := newTestScheduler(t, 1)

	expectExecute(t, s, 0, 0)
	require.NoError(t, s.FinishExecution(0, 0, nil))

	expectCommit(t, s, 0)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)

	stats := s.Stats()
	require.Equal(t, uint32(1), stats.ExecutedIdx)
	require.Equal(t, uint32(1), stats.NextToCommitIdx)
	require.True(t, stats.Done)
	require.False(t, stats.Halted)
}

func TestSchedulerDispatchesInIndexOrder(t *testing.T) {
	s := newTestScheduler(t, 3)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	expectExecute(t, s, 2, 0)

	// all dispatched, nothing finished: spin
	require.Equal(t, model.TaskSpin, s.NextTask().Kind)
}

func TestSchedulerCommitsStrictlyInOrder(t *testing.T) {
	s := newTestScheduler(t, 3)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	expectExecute(t, s, 2, 0)

	// finishing out of order must not commit ahead of the frontier
	require.NoError(t, s.FinishExecution(2, 0, nil))
	require.NoError(t, s.FinishExecution(1, 0, nil))
	require.Equal(t, model.TaskSpin, s.NextTask().Kind)
	require.Equal(t, uint32(0), s.Stats().NextToCommitIdx)

	// the frontier transaction unlocks everything behind it
	require.NoError(t, s.FinishExecution(0, 0, nil))
	expectCommit(t, s, 0)
	expectCommit(t, s, 1)
	expectCommit(t, s, 2)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerAbortAndReExecute(t *testing.T) {
	s := newTestScheduler(t, 2)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	require.NoError(t, s.FinishExecution(1, 0, nil))

	// transaction 0 invalidates what transaction 1 read
	require.NoError(t, s.FinishExecution(0, 0, []model.Version{
		{TxnIndex: 1, Incarnation: 0},
	}))

	expectCommit(t, s, 0)
	expectExecute(t, s, 1, 1)
	require.NoError(t, s.FinishExecution(1, 1, nil))
	expectCommit(t, s, 1)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
	require.Equal(t, uint32(1), s.Stats().Aborts)
}

func TestSchedulerStaleInvalidationIsIgnored(t *testing.T) {
	s := newTestScheduler(t, 2)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	require.NoError(t, s.FinishExecution(1, 0, nil))
	require.NoError(t, s.FinishExecution(0, 0, []model.Version{
		{TxnIndex: 1, Incarnation: 0},
	}))

	expectCommit(t, s, 0)
	expectExecute(t, s, 1, 1)

	// an invalidation of the superseded incarnation no longer bites
	require.False(t, s.statuses[1].tryAbort(0))

	require.NoError(t, s.FinishExecution(1, 1, nil))
	expectCommit(t, s, 1)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerAbortWhileExecuting(t *testing.T) {
	s := newTestScheduler(t, 2)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)

	// transaction 1 is still executing when its read gets invalidated
	require.NoError(t, s.FinishExecution(0, 0, []model.Version{
		{TxnIndex: 1, Incarnation: 0},
	}))
	expectCommit(t, s, 0)

	// the stale finish is absorbed silently
	require.NoError(t, s.FinishExecution(1, 0, nil))
	require.Equal(t, uint32(1), s.Stats().NextToCommitIdx)

	expectExecute(t, s, 1, 1)
	require.NoError(t, s.FinishExecution(1, 1, nil))
	expectCommit(t, s, 1)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerReExecutionDeferredUntilLowerTxnsExecute(t *testing.T) {
	s := newTestScheduler(t, 3)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	expectExecute(t, s, 2, 0)
	require.NoError(t, s.FinishExecution(2, 0, nil))

	// transaction 1 aborts 2; 0 has not executed yet, so incarnation 1 of
	// transaction 2 must wait
	require.NoError(t, s.FinishExecution(1, 0, []model.Version{
		{TxnIndex: 2, Incarnation: 0},
	}))
	require.Equal(t, model.TaskSpin, s.NextTask().Kind)

	// once 0 completes, the executed frontier covers all lower indices and
	// the deferred re-execution is admitted
	require.NoError(t, s.FinishExecution(0, 0, nil))
	expectCommit(t, s, 0)
	expectCommit(t, s, 1)
	expectExecute(t, s, 2, 1)

	require.NoError(t, s.FinishExecution(2, 1, nil))
	expectCommit(t, s, 2)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerStallPropagation(t *testing.T) {
	s := newTestScheduler(t, 4)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	expectExecute(t, s, 2, 0)
	expectExecute(t, s, 3, 0)

	require.NoError(t, s.FinishExecution(3, 0, nil))
	require.NoError(t, s.FinishExecution(2, 0, nil))

	// transaction 3 previously aborted on transaction 2's output
	s.aborted[2].record([]model.TxnIndex{3})

	// aborting 2 stalls 3 transitively: its prior abort says it would just
	// re-read doomed data
	require.NoError(t, s.FinishExecution(1, 0, []model.Version{
		{TxnIndex: 2, Incarnation: 0},
	}))
	require.False(t, s.statuses[3].isExecuted())

	require.NoError(t, s.FinishExecution(0, 0, nil))
	expectCommit(t, s, 0)
	expectCommit(t, s, 1)
	require.Equal(t, uint32(2), s.Stats().NextToCommitIdx)

	// re-executing 2 unstalls 3 and both commit
	expectExecute(t, s, 2, 1)
	require.NoError(t, s.FinishExecution(2, 1, nil))
	require.True(t, s.statuses[3].isExecuted())

	expectCommit(t, s, 2)
	expectCommit(t, s, 3)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}

func TestSchedulerRejectsNonDownstreamInvalidation(t *testing.T) {
	s := newTestScheduler(t, 2)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)

	err := s.FinishExecution(1, 0, []model.Version{
		{TxnIndex: 0, Incarnation: 0},
	})
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))

	err = s.FinishExecution(1, 0, []model.Version{
		{TxnIndex: 1, Incarnation: 0},
	})
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))
}

func TestSchedulerRejectedInvalidationRecordsNothing(t *testing.T) {
	s := newTestScheduler(t, 4)

	expectExecute(t, s, 0, 0)
	expectExecute(t, s, 1, 0)
	require.NoError(t, s.FinishExecution(0, 0, []model.Version{
		{TxnIndex: 1, Incarnation: 0},
	}))
	expectCommit(t, s, 0)
	expectExecute(t, s, 1, 1)
	expectExecute(t, s, 2, 0)
	expectExecute(t, s, 3, 0)

	// a report mixing a valid downstream version with a non-downstream one
	// is rejected as a whole
	err := s.FinishExecution(1, 1, []model.Version{
		{TxnIndex: 3, Incarnation: 0},
		{TxnIndex: 0, Incarnation: 0},
	})
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))

	// the rejected report left no trace: no dependents recorded, no
	// downstream transaction aborted
	require.Empty(t, s.aborted[1].notStalled)
	require.Empty(t, s.aborted[1].stalled)
	require.True(t, s.statuses[3].isExecuting())
	require.False(t, s.history[3].hasAbortedOn(1))
	require.Equal(t, uint32(1), s.Stats().Aborts)
}

func TestSchedulerRejectsOutOfRangeFinish(t *testing.T) {
	s := newTestScheduler(t, 2)

	err := s.FinishExecution(5, 0, nil)
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))
}

func TestSchedulerHalt(t *testing.T) {
	s := newTestScheduler(t, 3)

	expectExecute(t, s, 0, 0)
	s.Halt()
	s.Halt() // idempotent

	require.True(t, s.IsDone())
	require.Equal(t, model.TaskDone, s.NextTask().Kind)

	stats := s.Stats()
	require.True(t, stats.Halted)
	require.Equal(t, uint32(0), stats.NextToCommitIdx)
}

func TestSchedulerDrainsPostCommitAfterDone(t *testing.T) {
	s := newTestScheduler(t, 1)

	expectExecute(t, s, 0, 0)
	require.NoError(t, s.FinishExecution(0, 0, nil))
	require.True(t, s.IsDone())

	// commit work enqueued before the done flag flipped must still drain
	expectCommit(t, s, 0)
	require.Equal(t, model.TaskDone, s.NextTask().Kind)
}
