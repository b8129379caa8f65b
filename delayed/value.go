package delayed

import (
	"fmt"
	"strconv"
)

// FieldID identifies one delayed field (an aggregator, a snapshot of an
// aggregator, or a string derived from a snapshot) within a block.
type FieldID string

// Value is the materialized form of a delayed field.
type Value interface {
	isDelayedValue()
	String() string
}

// AggregatorValue is a bounded counter that transactions mutate through
// deltas instead of read-modify-write, avoiding false conflicts.
type AggregatorValue uint64

func (v AggregatorValue) isDelayedValue() {}

func (v AggregatorValue) String() string {
	return fmt.Sprintf("aggregator(%d)", uint64(v))
}

// SnapshotValue captures an aggregator's value as observed by one
// transaction.
type SnapshotValue uint64

func (v SnapshotValue) isDelayedValue() {}

func (v SnapshotValue) String() string {
	return fmt.Sprintf("snapshot(%d)", uint64(v))
}

// DerivedValue is a byte string computed from a snapshot via a Formula.
type DerivedValue []byte

func (v DerivedValue) isDelayedValue() {}

func (v DerivedValue) String() string {
	return fmt.Sprintf("derived(%q)", string(v))
}

// Formula renders a snapshot value into a derived byte string.
type Formula struct {
	Prefix []byte
	Suffix []byte
}

// Apply renders the snapshot value between the formula's prefix and suffix.
func (f Formula) Apply(snapshot uint64) DerivedValue {
	rendered := strconv.FormatUint(snapshot, 10)
	out := make([]byte, 0, len(f.Prefix)+len(rendered)+len(f.Suffix))
	out = append(out, f.Prefix...)
	out = append(out, rendered...)
	out = append(out, f.Suffix...)
	return DerivedValue(out)
}
