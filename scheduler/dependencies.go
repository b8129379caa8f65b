package scheduler

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/onflow/block-stm/model"
)

// abortedDependencies tracks, for one transaction (the stalling
// transaction), the set of downstream transactions that previously aborted
// because they read its output. The set is partitioned into notStalled and
// stalled; the partitions are always disjoint and their union is exactly
// the recorded dependents.
type abortedDependencies struct {
	mu         sync.Mutex
	isStalled  bool
	notStalled map[model.TxnIndex]struct{}
	stalled    map[model.TxnIndex]struct{}
}

func newAbortedDependencies() *abortedDependencies {
	return &abortedDependencies{
		notStalled: make(map[model.TxnIndex]struct{}),
		stalled:    make(map[model.TxnIndex]struct{}),
	}
}

// record adds downstream transactions that aborted due to this
// transaction's output. Dependents already in the stalled partition are
// left there. It returns whether this transaction is currently stalled, in
// which case the caller must re-run stall propagation so the new dependents
// get stalled as well.
func (d *abortedDependencies) record(dependents []model.TxnIndex) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, dep := range dependents {
		if _, ok := d.stalled[dep]; ok {
			continue
		}
		d.notStalled[dep] = struct{}{}
	}
	return d.isStalled
}

// stall marks this transaction stalled and moves every not-stalled
// dependent into the stalled partition, incrementing each dependent's stall
// count. Dependents that flipped to net-stalled are returned so the caller
// can continue propagation through their own dependents.
func (d *abortedDependencies) stall(
	statuses []*executionStatus,
	onNetStall func(),
) []model.TxnIndex {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.isStalled = true

	var netStalled []model.TxnIndex
	for _, dep := range sortedIndices(d.notStalled) {
		if statuses[dep].addStall() {
			netStalled = append(netStalled, dep)
			onNetStall()
		}
		delete(d.notStalled, dep)
		d.stalled[dep] = struct{}{}
	}
	return netStalled
}

// unstall is the mirror of stall: it clears the stalled flag and moves
// every stalled dependent back, decrementing stall counts. Dependents that
// flipped to net-unstalled are returned for further propagation;
// re-admission to the execution queue happens inside removeStall.
func (d *abortedDependencies) unstall(
	statuses []*executionStatus,
	onNetUnstall func(),
) ([]model.TxnIndex, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isStalled {
		return nil, nil
	}
	d.isStalled = false

	var netUnstalled []model.TxnIndex
	for _, dep := range sortedIndices(d.stalled) {
		net, err := statuses[dep].removeStall()
		if err != nil {
			return nil, err
		}
		if net {
			netUnstalled = append(netUnstalled, dep)
			onNetUnstall()
		}
		delete(d.stalled, dep)
		d.notStalled[dep] = struct{}{}
	}
	return netUnstalled, nil
}

func sortedIndices(set map[model.TxnIndex]struct{}) []model.TxnIndex {
	indices := maps.Keys(set)
	slices.Sort(indices)
	return indices
}

// abortHistory remembers, per transaction, the upstream transactions whose
// output changes actually invalidated one of its incarnations. The
// dependency-wait policy uses it to tell doomed optimistic reads from
// harmless ones.
type abortHistory struct {
	mu    sync.Mutex
	byDep map[model.TxnIndex]uint32
}

func newAbortHistory() *abortHistory {
	return &abortHistory{
		byDep: make(map[model.TxnIndex]uint32),
	}
}

func (h *abortHistory) recordAbortBy(dep model.TxnIndex) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byDep[dep]++
}

func (h *abortHistory) hasAbortedOn(dep model.TxnIndex) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byDep[dep] > 0
}
