package synthetic

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/executor"
	"github.com/onflow/block-stm/model"
)

type readRecord struct {
	writer      int64
	incarnation model.Incarnation
}

// keyCell is the multi-version state of one key: the set of transaction
// indices that have written it, and the latest read each transaction made
// of it. Values are the writer indices themselves, so correctness reduces
// to observing the right provenance.
type keyCell struct {
	mu      sync.Mutex
	writers map[model.TxnIndex]struct{}
	reads   map[model.TxnIndex]readRecord
}

// latestWriterBelow returns the highest writer index strictly below txnIdx,
// or NoWriter. Caller holds the cell lock.
func (c *keyCell) latestWriterBelow(txnIdx model.TxnIndex) int64 {
	latest := NoWriter
	for w := range c.writers {
		if w < txnIdx && int64(w) > latest {
			latest = int64(w)
		}
	}
	return latest
}

// VM interprets a synthetic workload against in-memory multi-version state,
// implementing the executor's VM interface. Reads resolve through the
// scheduler's dependency policy; a write invalidates every higher-index
// transaction that read an older version of the key.
type VM struct {
	workload *Workload
	cells    []keyCell

	outputMu sync.Mutex
	outputs  []map[int]int64

	executions []*atomic.Uint32
}

func NewVM(workload *Workload) *VM {
	cells := make([]keyCell, workload.NumKeys)
	for k := range cells {
		cells[k].writers = make(map[model.TxnIndex]struct{})
		cells[k].reads = make(map[model.TxnIndex]readRecord)
	}

	executions := make([]*atomic.Uint32, workload.NumTxns)
	for i := range executions {
		executions[i] = atomic.NewUint32(0)
	}

	return &VM{
		workload:   workload,
		cells:      cells,
		outputs:    make([]map[int]int64, workload.NumTxns),
		executions: executions,
	}
}

func (vm *VM) Execute(
	resolver executor.DependencyResolver,
	version model.Version,
) (*executor.ExecutionResult, error) {
	txnIdx := version.TxnIndex
	vm.executions[txnIdx].Inc()

	observed := make(map[int]int64, len(vm.workload.ReadSets[txnIdx]))
	for _, key := range vm.workload.ReadSets[txnIdx] {
		writer, err := vm.readKey(resolver, version, key)
		if err != nil {
			return nil, err
		}
		observed[key] = writer
	}

	invalidated := vm.writeKeys(txnIdx)

	vm.outputMu.Lock()
	vm.outputs[txnIdx] = observed
	vm.outputMu.Unlock()

	return &executor.ExecutionResult{Invalidated: invalidated}, nil
}

// readKey observes the latest write below the transaction's index,
// resolving a dependency on the writer first. A false resolution means the
// incarnation was abandoned; surface it as a re-execution request.
func (vm *VM) readKey(
	resolver executor.DependencyResolver,
	version model.Version,
	key int,
) (int64, error) {
	cell := &vm.cells[key]

	for {
		cell.mu.Lock()
		writer := cell.latestWriterBelow(version.TxnIndex)
		cell.reads[version.TxnIndex] = readRecord{
			writer:      writer,
			incarnation: version.Incarnation,
		}
		cell.mu.Unlock()

		if writer == NoWriter {
			return writer, nil
		}

		resolved, err := resolver.ResolveDependencyHappyPath(
			version.TxnIndex, model.TxnIndex(writer))
		if err != nil {
			return 0, err
		}
		if resolved {
			return writer, nil
		}

		proceed, err := resolver.ResolveDependency(
			version.TxnIndex, version.Incarnation, model.TxnIndex(writer))
		if err != nil {
			return 0, err
		}
		if !proceed {
			return 0, errors.NewReExecutionNeededErrorf(
				"transaction %d blocked on %d", version.TxnIndex, writer)
		}

		// the writer resolved (or we proceed optimistically); re-read in
		// case newer writes landed while waiting
		cell.mu.Lock()
		latest := cell.latestWriterBelow(version.TxnIndex)
		cell.mu.Unlock()
		if latest == writer {
			return writer, nil
		}
	}
}

// writeKeys publishes the transaction's writes and collects the versions of
// higher-index transactions that read an older write of any touched key.
func (vm *VM) writeKeys(txnIdx model.TxnIndex) []model.Version {
	byTxn := make(map[model.TxnIndex]model.Incarnation)

	for _, key := range vm.workload.WriteSets[txnIdx] {
		cell := &vm.cells[key]

		cell.mu.Lock()
		cell.writers[txnIdx] = struct{}{}
		for reader, record := range cell.reads {
			if reader > txnIdx && record.writer < int64(txnIdx) {
				byTxn[reader] = record.incarnation
			}
		}
		cell.mu.Unlock()
	}

	invalidated := make([]model.Version, 0, len(byTxn))
	for reader, incarnation := range byTxn {
		invalidated = append(invalidated, model.Version{
			TxnIndex:    reader,
			Incarnation: incarnation,
		})
	}
	return invalidated
}

// Outputs returns, per transaction, the writer index observed for each read
// key in its final execution.
func (vm *VM) Outputs() []map[int]int64 {
	vm.outputMu.Lock()
	defer vm.outputMu.Unlock()

	outputs := make([]map[int]int64, len(vm.outputs))
	copy(outputs, vm.outputs)
	return outputs
}

// Executions returns how many incarnations of the transaction ran.
func (vm *VM) Executions(txnIdx model.TxnIndex) uint32 {
	return vm.executions[txnIdx].Load()
}

// Committer records the commit order it is handed, for asserting strictly
// increasing delivery.
type Committer struct {
	mu    sync.Mutex
	order []model.TxnIndex
}

func NewCommitter() *Committer {
	return &Committer{}
}

func (c *Committer) CommitTransaction(txnIndex model.TxnIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, txnIndex)
	return nil
}

// Order returns the indices in the order they were committed.
func (c *Committer) Order() []model.TxnIndex {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := make([]model.TxnIndex, len(c.order))
	copy(order, c.order)
	return order
}
