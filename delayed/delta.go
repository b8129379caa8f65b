package delayed

import (
	"fmt"

	"github.com/onflow/block-stm/errors"
)

// Delta is a signed increment against an aggregator, bounded to
// [0, MaxValue]. Applying a delta that would leave the range fails with an
// expected (non-fatal) error: on a transient speculative base value that is
// legitimate and resolved by re-execution.
//
// A delta carries the extreme partial sums reached across every merge that
// produced it, so applying a merged delta fails exactly when applying the
// constituent deltas one at a time would have failed at an intermediate
// step.
type Delta struct {
	Value    int64
	MaxValue uint64

	// MaxAchieved and MinAchieved are the largest and smallest partial sums
	// of the underlying delta sequence, the net Value included.
	MaxAchieved int64
	MinAchieved int64
}

func NewDelta(value int64, maxValue uint64) Delta {
	return Delta{
		Value:       value,
		MaxValue:    maxValue,
		MaxAchieved: value,
		MinAchieved: value,
	}
}

func (d Delta) String() string {
	return fmt.Sprintf("delta(%+d, max %d)", d.Value, d.MaxValue)
}

// ApplyTo applies the delta to a base value, enforcing the aggregator
// bounds. The bounds are checked against the extreme partial sums, not
// just the net value: a sequence that transiently leaves [0, MaxValue]
// fails even when its net effect stays in range, matching sequential
// application of the sequence.
func (d Delta) ApplyTo(base uint64) (uint64, error) {
	if d.MaxAchieved >= 0 {
		increment := uint64(d.MaxAchieved)
		if base > d.MaxValue || increment > d.MaxValue-base {
			return 0, errors.NewDeltaApplicationErrorf(
				"overflow applying %s to %d", d, base)
		}
	}
	if d.MinAchieved < 0 {
		decrement := uint64(-d.MinAchieved)
		if decrement > base {
			return 0, errors.NewDeltaApplicationErrorf(
				"underflow applying %s to %d", d, base)
		}
	}

	// the net value is itself one of the partial sums, so it is in range
	// once the history checks pass
	if d.Value >= 0 {
		return base + uint64(d.Value), nil
	}
	return base - uint64(-d.Value), nil
}

// Merge combines this delta with a later delta into one, preserving the
// application order base -> d -> later. The merged history keeps the
// extreme partial sums of the combined sequence, so a bounds violation at
// an intermediate step survives the merge.
func (d Delta) Merge(later Delta) Delta {
	return Delta{
		Value:       d.Value + later.Value,
		MaxValue:    later.MaxValue,
		MaxAchieved: maxInt64(d.MaxAchieved, d.Value+later.MaxAchieved),
		MinAchieved: minInt64(d.MinAchieved, d.Value+later.MinAchieved),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
