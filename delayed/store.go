package delayed

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/model"
)

// maxComposeDepth bounds dependent-read recursion: a derived value composes
// from a snapshot, a snapshot from an aggregator, and an aggregator from
// nothing. Fields may not reference themselves transitively.
const maxComposeDepth = 2

// Store is the multi-version value store for delayed fields of one block.
// Readers observe either a committed value, a speculative value from an
// earlier transaction, or a dependency error naming the transaction whose
// re-execution blocks them; they never block on a lock held by a writer of
// a different field.
type Store struct {
	log zerolog.Logger

	mu     sync.RWMutex
	fields map[FieldID]*versionedValue

	// nextCommitIdx is the index try_commit expects next; commits are
	// strictly ordered.
	nextCommitIdx *atomic.Uint32
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:           log.With().Str("component", "delayed_field_store").Logger(),
		fields:        make(map[FieldID]*versionedValue),
		nextCommitIdx: atomic.NewUint32(0),
	}
}

func (s *Store) field(id FieldID) (*versionedValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.fields[id]
	return field, ok
}

func (s *Store) fieldOrCreate(id FieldID) *versionedValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	field, ok := s.fields[id]
	if !ok {
		field = newVersionedValue(nil)
		s.fields[id] = field
	}
	return field
}

// SetBaseValue installs the pre-block value of a field. The first value
// wins; repeated calls are no-ops, so concurrent reads racing to prime the
// same field from storage are harmless.
func (s *Store) SetBaseValue(id FieldID, value Value) {
	field := s.fieldOrCreate(id)

	field.mu.Lock()
	defer field.mu.Unlock()
	if field.baseValue == nil {
		field.baseValue = value
	}
}

// InitializeDelayedField creates a brand-new field with the given base
// value. Unlike SetBaseValue the field must not exist yet.
func (s *Store) InitializeDelayedField(id FieldID, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fields[id]; ok {
		return errors.NewCodeInvariantFailuref(
			"delayed field %s already initialized", id)
	}
	s.fields[id] = newVersionedValue(value)
	return nil
}

// RecordChange records the entry transaction txnIdx produced for the field,
// creating the field on first write.
func (s *Store) RecordChange(id FieldID, txnIdx model.TxnIndex, change Change) error {
	if change.Value == nil && change.Apply == nil {
		return errors.NewCodeInvariantFailuref(
			"record_change for field %s at index %d: empty change", id, txnIdx)
	}
	s.fieldOrCreate(id).recordChange(txnIdx, change)
	return nil
}

// MarkEstimate flags the field's entry at txnIdx as being re-executed.
func (s *Store) MarkEstimate(id FieldID, txnIdx model.TxnIndex) error {
	field, ok := s.field(id)
	if !ok {
		return errors.NewCodeInvariantFailuref(
			"mark_estimate for unknown field %s", id)
	}
	return field.markEstimate(txnIdx)
}

// Remove deletes the field's entry at txnIdx, used when the next
// incarnation no longer writes the field.
func (s *Store) Remove(id FieldID, txnIdx model.TxnIndex) error {
	field, ok := s.field(id)
	if !ok {
		return errors.NewCodeInvariantFailuref(
			"remove for unknown field %s", id)
	}
	return field.remove(txnIdx)
}

// Read resolves the field as seen by txnIdx, composing dependent values
// (snapshots, derived strings) transparently. A bare estimate in the chain
// fails with a DependencyError naming the blocking transaction.
func (s *Store) Read(id FieldID, txnIdx model.TxnIndex) (Value, error) {
	return s.read(id, txnIdx, false, maxComposeDepth)
}

// ReadLatestPredictedValue is the best-effort variant used for prediction
// and post-commit extraction: it reads as of just after txnIdx and skips
// bare estimates instead of failing on them.
func (s *Store) ReadLatestPredictedValue(id FieldID, txnIdx model.TxnIndex) (Value, error) {
	return s.read(id, txnIdx+1, true, maxComposeDepth)
}

func (s *Store) read(
	id FieldID,
	txnIdx model.TxnIndex,
	predicted bool,
	depth int,
) (Value, error) {
	field, ok := s.field(id)
	if !ok {
		return nil, errors.NewDelayedFieldNotFoundErrorf("field %s", id)
	}

	outcome, err := field.read(txnIdx, predicted)
	if err != nil {
		return nil, err
	}
	if outcome.dependent == nil {
		return outcome.value, nil
	}

	if depth == 0 {
		return nil, errors.NewCodeInvariantFailuref(
			"field %s: dependent read exceeds composition depth", id)
	}

	base, err := s.read(
		outcome.dependent.fieldID,
		outcome.dependent.readIndex,
		predicted,
		depth-1)
	if err != nil {
		return nil, err
	}
	return composeDependent(outcome.dependent, base)
}

func composeDependent(dep *dependentRead, base Value) (Value, error) {
	switch apply := dep.apply.(type) {
	case SnapshotDelta:
		aggregator, ok := base.(AggregatorValue)
		if !ok {
			return nil, errors.NewCodeInvariantFailuref(
				"snapshot of %s resolves to non-aggregator %s",
				dep.fieldID, base)
		}
		result, err := apply.Delta.ApplyTo(uint64(aggregator))
		if err != nil {
			return nil, err
		}
		return SnapshotValue(result), nil

	case SnapshotDerived:
		snapshot, ok := base.(SnapshotValue)
		if !ok {
			return nil, errors.NewCodeInvariantFailuref(
				"derived value of %s resolves to non-snapshot %s",
				dep.fieldID, base)
		}
		return apply.Formula.Apply(uint64(snapshot)), nil

	default:
		return nil, errors.NewUnreachableFailuref(
			"dependent read with apply %s", dep.apply)
	}
}

// TryCommit materializes the entries transaction txnIdx produced, for
// exactly the field ids it touched. Calls must come once per index in
// strictly increasing order. Aggregator and snapshot deltas are resolved
// before derived values, since a derived value may depend on the freshly
// committed snapshot of the same index.
func (s *Store) TryCommit(txnIdx model.TxnIndex, ids []FieldID) error {
	if s.nextCommitIdx.Load() != uint32(txnIdx) {
		return errors.NewCodeInvariantFailuref(
			"try_commit of index %d out of order (expected %d)",
			txnIdx, s.nextCommitIdx.Load())
	}

	type pending struct {
		field *versionedValue
		id    FieldID
		entry versionEntry
	}
	var snapshotDeltas, derived []pending

	// first pass: validate every touched field and materialize aggregator
	// deltas; defer cross-field applies to the later passes
	for _, id := range ids {
		field, ok := s.field(id)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: unknown field %s", txnIdx, id)
		}
		entry, ok := field.entryAt(txnIdx)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: field %s has no entry", txnIdx, id)
		}

		switch entry.kind {
		case entryEstimate:
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: field %s entry is an estimate",
				txnIdx, id)

		case entryValue:
			// already materialized

		case entryApply:
			switch apply := entry.apply.(type) {
			case AggregatorDelta:
				base, err := field.latestCommittedValue(txnIdx)
				if err != nil {
					return err
				}
				value, err := applyAccumulated(base, &apply.Delta)
				if err != nil {
					// the incarnation that produced this delta was validated
					// against the same committed base
					return errors.NewCodeInvariantFailuref(
						"try_commit of index %d: field %s: %s",
						txnIdx, id, err)
				}
				field.setCommitted(txnIdx, value, apply)

			case SnapshotDelta:
				snapshotDeltas = append(snapshotDeltas, pending{field, id, entry})

			case SnapshotDerived:
				derived = append(derived, pending{field, id, entry})

			default:
				return errors.NewUnreachableFailuref(
					"try_commit of index %d: field %s apply %s",
					txnIdx, id, entry.apply)
			}
		}
	}

	for _, p := range snapshotDeltas {
		apply := p.entry.apply.(SnapshotDelta)

		baseField, ok := s.field(apply.BaseAggregator)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: snapshot base %s unknown",
				txnIdx, apply.BaseAggregator)
		}
		base, err := baseField.latestCommittedValue(txnIdx)
		if err != nil {
			return err
		}
		aggregator, ok := base.(AggregatorValue)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: snapshot base %s is %s",
				txnIdx, apply.BaseAggregator, base)
		}
		value, err := apply.Delta.ApplyTo(uint64(aggregator))
		if err != nil {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: field %s: %s", txnIdx, p.id, err)
		}
		p.field.setCommitted(txnIdx, SnapshotValue(value), apply)
	}

	for _, p := range derived {
		apply := p.entry.apply.(SnapshotDerived)

		baseField, ok := s.field(apply.BaseSnapshot)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: derived base %s unknown",
				txnIdx, apply.BaseSnapshot)
		}
		base, err := baseField.latestCommittedValue(txnIdx + 1)
		if err != nil {
			return err
		}
		snapshot, ok := base.(SnapshotValue)
		if !ok {
			return errors.NewCodeInvariantFailuref(
				"try_commit of index %d: derived base %s is %s",
				txnIdx, apply.BaseSnapshot, base)
		}
		p.field.setCommitted(txnIdx, apply.Formula.Apply(uint64(snapshot)), apply)
	}

	s.nextCommitIdx.Store(uint32(txnIdx) + 1)
	return nil
}

// Reset drops all per-block state, for reuse across a block boundary or
// after truncation (epilogue handling).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = make(map[FieldID]*versionedValue)
	s.nextCommitIdx.Store(0)
	s.log.Debug().Msg("delayed field store reset")
}
