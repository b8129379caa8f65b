package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onflow/block-stm/model"
)

func newTestStatuses(t *testing.T, numTxns uint32) ([]*executionStatus, *executionQueue) {
	queue := newExecutionQueue(numTxns)
	for i := uint32(0); i < numTxns; i++ {
		_, ok := queue.popMin()
		require.True(t, ok)
	}

	statuses := make([]*executionStatus, numTxns)
	for i := uint32(0); i < numTxns; i++ {
		statuses[i] = newExecutionStatus(model.TxnIndex(i), queue)
	}
	return statuses, queue
}

func TestDependenciesStallMovesRecordedDependents(t *testing.T) {
	statuses, _ := newTestStatuses(t, 4)
	deps := newAbortedDependencies()

	stalled := 0
	require.False(t, deps.record([]model.TxnIndex{2, 3}))

	netStalled := deps.stall(statuses, func() { stalled++ })
	require.Equal(t, []model.TxnIndex{2, 3}, netStalled)
	require.Equal(t, 2, stalled)
	require.False(t, statuses[2].isExecuted())

	// stalling again is a no-op: the dependents already moved
	netStalled = deps.stall(statuses, func() { stalled++ })
	require.Empty(t, netStalled)
	require.Equal(t, 2, stalled)
}

func TestDependenciesUnstallMirrorsStall(t *testing.T) {
	statuses, queue := newTestStatuses(t, 4)
	deps := newAbortedDependencies()

	deps.record([]model.TxnIndex{2})
	deps.stall(statuses, func() {})

	unstalled := 0
	netUnstalled, err := deps.unstall(statuses, func() { unstalled++ })
	require.NoError(t, err)
	require.Equal(t, []model.TxnIndex{2}, netUnstalled)
	require.Equal(t, 1, unstalled)

	// transaction 2 required execution, so the unstall re-admitted it
	idx, ok := queue.popMin()
	require.True(t, ok)
	require.Equal(t, model.TxnIndex(2), idx)

	// unstalling an unstalled record is a no-op
	netUnstalled, err = deps.unstall(statuses, func() { unstalled++ })
	require.NoError(t, err)
	require.Empty(t, netUnstalled)
}

func TestDependenciesRecordWhileStalled(t *testing.T) {
	statuses, _ := newTestStatuses(t, 4)
	deps := newAbortedDependencies()

	deps.stall(statuses, func() {})

	// recording against a stalled transaction tells the caller to re-run
	// propagation so the new dependent inherits the stall
	require.True(t, deps.record([]model.TxnIndex{3}))

	netStalled := deps.stall(statuses, func() {})
	require.Equal(t, []model.TxnIndex{3}, netStalled)
}

func TestDependenciesOverlappingStallers(t *testing.T) {
	statuses, _ := newTestStatuses(t, 4)

	// two upstream transactions both stall transaction 3
	a := newAbortedDependencies()
	b := newAbortedDependencies()
	a.record([]model.TxnIndex{3})
	b.record([]model.TxnIndex{3})

	netA := a.stall(statuses, func() {})
	require.Equal(t, []model.TxnIndex{3}, netA)

	// the second stall is counted but does not flip net state again
	netB := b.stall(statuses, func() {})
	require.Empty(t, netB)

	netA, err := a.unstall(statuses, func() {})
	require.NoError(t, err)
	require.Empty(t, netA, "one stall remains")

	netB, err = b.unstall(statuses, func() {})
	require.NoError(t, err)
	require.Equal(t, []model.TxnIndex{3}, netB)
}

func TestAbortHistory(t *testing.T) {
	history := newAbortHistory()

	require.False(t, history.hasAbortedOn(1))
	history.recordAbortBy(1)
	require.True(t, history.hasAbortedOn(1))
	require.False(t, history.hasAbortedOn(2))
}
