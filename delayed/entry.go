package delayed

import "fmt"

// ApplyEntry is a pending derivation recorded in a field's version map:
// either a delta against the field's own prior value, or a reference to
// another field the final value must be composed from.
type ApplyEntry interface {
	isApplyEntry()
	String() string
}

// AggregatorDelta applies a delta to the aggregator's prior value.
type AggregatorDelta struct {
	Delta Delta
}

func (a AggregatorDelta) isApplyEntry() {}

func (a AggregatorDelta) String() string {
	return fmt.Sprintf("aggregator_delta(%s)", a.Delta)
}

// SnapshotDelta captures an aggregator's value at snapshot time: the base
// aggregator's value as of the owning transaction, plus the delta the
// transaction had applied so far.
type SnapshotDelta struct {
	BaseAggregator FieldID
	Delta          Delta
}

func (a SnapshotDelta) isApplyEntry() {}

func (a SnapshotDelta) String() string {
	return fmt.Sprintf("snapshot_delta(%s, %s)", a.BaseAggregator, a.Delta)
}

// SnapshotDerived renders a byte string from a snapshot's value.
type SnapshotDerived struct {
	BaseSnapshot FieldID
	Formula      Formula
}

func (a SnapshotDerived) isApplyEntry() {}

func (a SnapshotDerived) String() string {
	return fmt.Sprintf("snapshot_derived(%s)", a.BaseSnapshot)
}

// sameApplyKind reports whether two applies are interchangeable for the
// estimate-bypass compatibility check. Both nil counts as matching.
func sameApplyKind(a ApplyEntry, b ApplyEntry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case AggregatorDelta:
		_, ok := b.(AggregatorDelta)
		return ok
	case SnapshotDelta:
		_, ok := b.(SnapshotDelta)
		return ok
	case SnapshotDerived:
		_, ok := b.(SnapshotDerived)
		return ok
	default:
		return false
	}
}

type entryKind int

const (
	// entryValue holds a materialized value, optionally with the apply that
	// would recompute it kept as an estimate-bypass fallback.
	entryValue entryKind = iota
	// entryApply holds a pending derivation not yet resolved to a value.
	entryApply
	// entryEstimate marks the owning transaction as being re-executed; a
	// type-compatible apply from the superseded entry may be cached on it
	// as a bypass.
	entryEstimate
)

func (k entryKind) String() string {
	switch k {
	case entryValue:
		return "value"
	case entryApply:
		return "apply"
	case entryEstimate:
		return "estimate"
	default:
		return "unknown"
	}
}

type versionEntry struct {
	kind entryKind

	// value is set for entryValue only.
	value Value

	// apply holds the pending derivation for entryApply, the recompute
	// fallback for entryValue, and the bypass (nil = no bypass) for
	// entryEstimate.
	apply ApplyEntry
}

// Change is the public form of a version entry recorded by an executing
// transaction: a materialized Value (optionally with its recompute apply as
// fallback), or a pending Apply.
type Change struct {
	Value Value
	Apply ApplyEntry
}

func (c Change) toEntry() versionEntry {
	if c.Value != nil {
		return versionEntry{kind: entryValue, value: c.Value, apply: c.Apply}
	}
	return versionEntry{kind: entryApply, apply: c.Apply}
}
