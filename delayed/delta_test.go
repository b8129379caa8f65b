package delayed

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onflow/block-stm/errors"
)

func TestDeltaApply(t *testing.T) {
	result, err := NewDelta(10, 100).ApplyTo(5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), result)

	result, err = NewDelta(-5, 100).ApplyTo(5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), result)

	// exactly at the bound
	result, err = NewDelta(50, 100).ApplyTo(50)
	require.NoError(t, err)
	require.Equal(t, uint64(100), result)
}

func TestDeltaOverflow(t *testing.T) {
	_, err := NewDelta(51, 100).ApplyTo(50)
	require.Error(t, err)
	require.True(t, errors.IsDeltaApplicationError(err))

	// base already above the bound
	_, err = NewDelta(1, 100).ApplyTo(200)
	require.Error(t, err)
	require.True(t, errors.IsDeltaApplicationError(err))
}

func TestDeltaUnderflow(t *testing.T) {
	_, err := NewDelta(-6, 100).ApplyTo(5)
	require.Error(t, err)
	require.True(t, errors.IsDeltaApplicationError(err))
}

func TestDeltaMerge(t *testing.T) {
	merged := NewDelta(10, 100).Merge(NewDelta(-3, 50))
	require.Equal(t, int64(7), merged.Value)
	require.Equal(t, uint64(50), merged.MaxValue, "later delta's bound wins")
	require.Equal(t, int64(10), merged.MaxAchieved)
	require.Equal(t, int64(7), merged.MinAchieved)

	result, err := merged.ApplyTo(20)
	require.NoError(t, err)
	require.Equal(t, uint64(27), result)
}

func TestDeltaMergeKeepsIntermediateOverflow(t *testing.T) {
	// the net effect of +100 then -60 fits, but applying +100 first would
	// overflow at base 50; the merged delta must fail the same way applying
	// the two deltas one at a time would
	merged := NewDelta(100, 100).Merge(NewDelta(-60, 100))
	require.Equal(t, int64(40), merged.Value)
	require.Equal(t, int64(100), merged.MaxAchieved)

	_, err := merged.ApplyTo(50)
	require.Error(t, err)
	require.True(t, errors.IsDeltaApplicationError(err))

	// at base 0 the intermediate value stays in range
	result, err := merged.ApplyTo(0)
	require.NoError(t, err)
	require.Equal(t, uint64(40), result)
}

func TestDeltaMergeKeepsIntermediateUnderflow(t *testing.T) {
	merged := NewDelta(-5, 100).Merge(NewDelta(10, 100))
	require.Equal(t, int64(5), merged.Value)
	require.Equal(t, int64(-5), merged.MinAchieved)

	// -5 applied first would underflow base 3
	_, err := merged.ApplyTo(3)
	require.Error(t, err)
	require.True(t, errors.IsDeltaApplicationError(err))

	result, err := merged.ApplyTo(5)
	require.NoError(t, err)
	require.Equal(t, uint64(10), result)
}

func TestDeltaMergeChainHistory(t *testing.T) {
	// three-delta chain: +20, -20, +5 from base 90 at max 100
	merged := NewDelta(20, 100).
		Merge(NewDelta(-20, 100)).
		Merge(NewDelta(5, 100))
	require.Equal(t, int64(5), merged.Value)
	require.Equal(t, int64(20), merged.MaxAchieved)
	require.Equal(t, int64(0), merged.MinAchieved)

	_, err := merged.ApplyTo(90)
	require.Error(t, err, "+20 overflows at the first step")
	require.True(t, errors.IsDeltaApplicationError(err))

	result, err := merged.ApplyTo(80)
	require.NoError(t, err)
	require.Equal(t, uint64(85), result)
}

func TestFormulaApply(t *testing.T) {
	formula := Formula{Prefix: []byte("balance: "), Suffix: []byte(" tokens")}
	require.Equal(t,
		DerivedValue("balance: 42 tokens"),
		formula.Apply(42))

	empty := Formula{}
	require.Equal(t, DerivedValue("7"), empty.Apply(7))
}
