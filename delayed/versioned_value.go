package delayed

import (
	"sync"

	"github.com/google/btree"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/model"
)

const versionMapDegree = 8

type entryItem struct {
	idx   model.TxnIndex
	entry versionEntry
}

func (e *entryItem) Less(other btree.Item) bool {
	return e.idx < other.(*entryItem).idx
}

// versionedValue is one field's ordered version map: for each transaction
// index that touched the field, the entry that transaction produced, plus
// an optional pre-block base value. All access goes through the field's own
// lock; different fields never contend.
type versionedValue struct {
	mu        sync.Mutex
	entries   *btree.BTree
	baseValue Value

	// readEstimateDeltas enables the estimate-bypass fast path: readers may
	// treat an Estimate that cached a type-compatible apply as that apply
	// instead of waiting. An incompatible overwrite disables the bypass for
	// the field; a matching overwrite re-arms it.
	readEstimateDeltas bool
}

func newVersionedValue(baseValue Value) *versionedValue {
	return &versionedValue{
		entries:            btree.New(versionMapDegree),
		baseValue:          baseValue,
		readEstimateDeltas: true,
	}
}

// dependentRead defers composition to the caller: resolve fieldID as seen
// by readIndex, then combine with apply.
type dependentRead struct {
	fieldID   FieldID
	readIndex model.TxnIndex
	apply     ApplyEntry
}

type readOutcome struct {
	value     Value
	dependent *dependentRead
}

// read resolves the field as seen by txnIdx: only entries of strictly lower
// transactions are visible. In predicted mode, bare estimates are skipped
// (best-effort prediction) instead of failing with a dependency error.
func (v *versionedValue) read(txnIdx model.TxnIndex, predicted bool) (readOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		out  readOutcome
		err  error
		done bool
		acc  *Delta
	)

	// accumulate an aggregator delta encountered at a lower index below the
	// deltas already collected: application order is base -> low -> high
	handleApply := func(at model.TxnIndex, apply ApplyEntry) bool {
		switch a := apply.(type) {
		case AggregatorDelta:
			if acc == nil {
				delta := a.Delta
				acc = &delta
			} else {
				merged := a.Delta.Merge(*acc)
				acc = &merged
			}
			return true

		case SnapshotDelta:
			if acc != nil {
				err = errors.NewCodeInvariantFailuref(
					"aggregator delta chain hit snapshot entry at index %d", at)
			} else {
				out.dependent = &dependentRead{
					fieldID:   a.BaseAggregator,
					readIndex: at,
					apply:     a,
				}
			}
			done = true
			return false

		case SnapshotDerived:
			if acc != nil {
				err = errors.NewCodeInvariantFailuref(
					"aggregator delta chain hit derived entry at index %d", at)
			} else {
				// a derived value composes from the snapshot the same
				// transaction produced, hence the inclusive read index
				out.dependent = &dependentRead{
					fieldID:   a.BaseSnapshot,
					readIndex: at + 1,
					apply:     a,
				}
			}
			done = true
			return false

		default:
			err = errors.NewUnreachableFailuref(
				"unknown apply entry at index %d", at)
			done = true
			return false
		}
	}

	if txnIdx > 0 {
		v.entries.DescendLessOrEqual(&entryItem{idx: txnIdx - 1}, func(item btree.Item) bool {
			e := item.(*entryItem)
			switch e.entry.kind {
			case entryValue:
				out.value, err = applyAccumulated(e.entry.value, acc)
				done = true
				return false

			case entryApply:
				return handleApply(e.idx, e.entry.apply)

			case entryEstimate:
				if e.entry.apply != nil && v.readEstimateDeltas {
					return handleApply(e.idx, e.entry.apply)
				}
				if predicted {
					return true
				}
				err = errors.NewDependencyError(e.idx)
				done = true
				return false

			default:
				err = errors.NewUnreachableFailuref(
					"unknown entry kind at index %d", e.idx)
				done = true
				return false
			}
		})
	}

	if done {
		return out, err
	}

	// delta chain (or empty chain) reached the pre-block base value
	if v.baseValue == nil {
		return out, errors.NewDelayedFieldNotFoundErrorf(
			"no entry below index %d and no base value", txnIdx)
	}
	out.value, err = applyAccumulated(v.baseValue, acc)
	return out, err
}

func applyAccumulated(value Value, acc *Delta) (Value, error) {
	if acc == nil {
		return value, nil
	}

	aggregator, ok := value.(AggregatorValue)
	if !ok {
		return nil, errors.NewCodeInvariantFailuref(
			"delta chain over non-aggregator value %s", value)
	}

	result, err := acc.ApplyTo(uint64(aggregator))
	if err != nil {
		return nil, err
	}
	return AggregatorValue(result), nil
}

// recordChange installs the entry an executing transaction produced at its
// index. Overwriting an estimate checks the new entry against the cached
// bypass: a matching type re-arms the field's bypass optimization, a
// mismatch permanently disables it.
func (v *versionedValue) recordChange(txnIdx model.TxnIndex, change Change) {
	v.mu.Lock()
	defer v.mu.Unlock()

	newEntry := change.toEntry()

	if existing := v.entries.Get(&entryItem{idx: txnIdx}); existing != nil {
		old := existing.(*entryItem).entry
		if old.kind == entryEstimate {
			v.readEstimateDeltas = sameApplyKind(old.apply, newEntry.apply)
		}
	}

	v.entries.ReplaceOrInsert(&entryItem{idx: txnIdx, entry: newEntry})
}

// markEstimate converts the entry at txnIdx into an estimate, preserving
// the superseded entry's apply as a bypass where one exists.
func (v *versionedValue) markEstimate(txnIdx model.TxnIndex) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	item := v.entries.Get(&entryItem{idx: txnIdx})
	if item == nil {
		return errors.NewCodeInvariantFailuref(
			"mark_estimate at index %d: no entry", txnIdx)
	}

	entry := item.(*entryItem).entry
	if entry.kind == entryEstimate {
		return errors.NewCodeInvariantFailuref(
			"mark_estimate at index %d: entry already an estimate", txnIdx)
	}

	v.entries.ReplaceOrInsert(&entryItem{
		idx:   txnIdx,
		entry: versionEntry{kind: entryEstimate, apply: entry.apply},
	})
	return nil
}

// remove deletes the entry at txnIdx. Removing an estimate means the new
// incarnation no longer writes the field, so bypasses cached from the old
// write become untrustworthy and the optimization is disabled.
func (v *versionedValue) remove(txnIdx model.TxnIndex) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	item := v.entries.Delete(&entryItem{idx: txnIdx})
	if item == nil {
		return errors.NewCodeInvariantFailuref(
			"remove at index %d: no entry", txnIdx)
	}

	if item.(*entryItem).entry.kind == entryEstimate {
		v.readEstimateDeltas = false
	}
	return nil
}

func (v *versionedValue) entryAt(txnIdx model.TxnIndex) (versionEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	item := v.entries.Get(&entryItem{idx: txnIdx})
	if item == nil {
		return versionEntry{}, false
	}
	return item.(*entryItem).entry, true
}

// setCommitted replaces the entry at txnIdx with its materialized value,
// keeping the apply that produced it as a recompute fallback.
func (v *versionedValue) setCommitted(txnIdx model.TxnIndex, value Value, fallback ApplyEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries.ReplaceOrInsert(&entryItem{
		idx:   txnIdx,
		entry: versionEntry{kind: entryValue, value: value, apply: fallback},
	})
}

// latestCommittedValue returns the field's value as of the commit of all
// transactions strictly below the given index. Because commits materialize
// entries in order, the first visible entry must already be a value;
// anything else means commit ordering was violated.
func (v *versionedValue) latestCommittedValue(below model.TxnIndex) (Value, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		value Value
		err   error
	)
	found := false

	if below > 0 {
		v.entries.DescendLessOrEqual(&entryItem{idx: below - 1}, func(item btree.Item) bool {
			e := item.(*entryItem)
			if e.entry.kind != entryValue {
				err = errors.NewCodeInvariantFailuref(
					"uncommitted %s entry at index %d below commit index %d",
					e.entry.kind, e.idx, below)
				found = true
				return false
			}
			value = e.entry.value
			found = true
			return false
		})
	}

	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}
	if v.baseValue == nil {
		return nil, errors.NewCodeInvariantFailuref(
			"no committed value below index %d and no base value", below)
	}
	return v.baseValue, nil
}
