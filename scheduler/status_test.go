package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/model"
)

func newTestStatus(t *testing.T) (*executionStatus, *executionQueue) {
	queue := newExecutionQueue(1)

	// drain the initial admission so queue observations start clean
	idx, ok := queue.popMin()
	require.True(t, ok)
	require.Equal(t, model.TxnIndex(0), idx)

	return newExecutionStatus(0, queue), queue
}

func TestStatusLifecycle(t *testing.T) {
	status, _ := newTestStatus(t)

	require.True(t, status.requiresExecution())
	require.False(t, status.isExecuted())

	incarnation, ok := status.tryStartExecuting()
	require.True(t, ok)
	require.Equal(t, model.Incarnation(0), incarnation)
	require.True(t, status.isExecuting())

	// double dispatch must fail
	_, ok = status.tryStartExecuting()
	require.False(t, ok)

	outcome, err := status.finishExecution(0)
	require.NoError(t, err)
	require.False(t, outcome.stale)
	require.True(t, outcome.firstCompletion)
	require.True(t, status.isExecuted())
	require.True(t, status.everExecutedOnce())
}

func TestStatusAbortBumpsIncarnation(t *testing.T) {
	status, queue := newTestStatus(t)

	_, ok := status.tryStartExecuting()
	require.True(t, ok)
	_, err := status.finishExecution(0)
	require.NoError(t, err)

	require.True(t, status.tryAbort(0))
	require.True(t, status.requiresExecution())
	require.False(t, status.isExecuted())

	// stale incarnation cannot abort twice
	require.False(t, status.tryAbort(0))

	incarnation, ok := status.tryStartExecuting()
	require.True(t, ok)
	require.Equal(t, model.Incarnation(1), incarnation)

	// everExecuted survives the abort
	require.True(t, status.everExecutedOnce())

	_, popped := queue.popMin()
	require.False(t, popped, "abort alone must not re-admit")
}

func TestStatusAbortWhileExecuting(t *testing.T) {
	status, _ := newTestStatus(t)

	_, ok := status.tryStartExecuting()
	require.True(t, ok)

	require.True(t, status.tryAbort(0))

	// the superseded incarnation's finish is stale, not an error
	outcome, err := status.finishExecution(0)
	require.NoError(t, err)
	require.True(t, outcome.stale)
	require.False(t, outcome.firstCompletion)
	require.False(t, status.everExecutedOnce())
}

func TestStatusFinishContractViolations(t *testing.T) {
	status, _ := newTestStatus(t)

	// never started
	_, err := status.finishExecution(0)
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))

	// future incarnation
	_, ok := status.tryStartExecuting()
	require.True(t, ok)
	_, err = status.finishExecution(7)
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))
}

func TestStatusStallBlocksDispatchAndCommit(t *testing.T) {
	status, queue := newTestStatus(t)

	require.True(t, status.addStall())
	require.False(t, status.addStall(), "second stall is not a net change")

	_, ok := status.tryStartExecuting()
	require.False(t, ok, "stalled transaction must not dispatch")

	net, err := status.removeStall()
	require.NoError(t, err)
	require.False(t, net)

	net, err = status.removeStall()
	require.NoError(t, err)
	require.True(t, net)

	// net-unstalled while requiring execution re-admits through the queue
	idx, ok := queue.popMin()
	require.True(t, ok)
	require.Equal(t, model.TxnIndex(0), idx)

	_, err = status.removeStall()
	require.Error(t, err)
	require.True(t, errors.HasFailureCode(err, errors.FailureCodeCodeInvariant))
}

func TestStatusStallMasksExecuted(t *testing.T) {
	status, queue := newTestStatus(t)

	_, ok := status.tryStartExecuting()
	require.True(t, ok)
	_, err := status.finishExecution(0)
	require.NoError(t, err)
	require.True(t, status.isExecuted())

	require.True(t, status.addStall())
	require.False(t, status.isExecuted(), "stalled transactions are not commit eligible")

	net, err := status.removeStall()
	require.NoError(t, err)
	require.True(t, net)
	require.True(t, status.isExecuted())

	// executed transactions are not re-admitted on unstall
	_, popped := queue.popMin()
	require.False(t, popped)
}

func TestStatusWatchSignalsTransitions(t *testing.T) {
	status, _ := newTestStatus(t)

	changed := status.watch()
	select {
	case <-changed:
		t.Fatal("channel closed before any transition")
	default:
	}

	_, ok := status.tryStartExecuting()
	require.True(t, ok)
	_, err := status.finishExecution(0)
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("finish did not signal watchers")
	}

	// a fresh watch channel observes the next transition only
	changed = status.watch()
	require.True(t, status.tryAbort(0))
	select {
	case <-changed:
	default:
		t.Fatal("abort did not signal watchers")
	}
}
