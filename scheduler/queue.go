package scheduler

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/onflow/block-stm/model"
)

const executionQueueDegree = 16

type txnIndexItem model.TxnIndex

func (i txnIndexItem) Less(other btree.Item) bool {
	return i < other.(txnIndexItem)
}

// executionQueue holds the ordered set of execution-ready transaction
// indices plus the re-executions deferred by the admission rule: an
// incarnation above 0 may only run once every lower-indexed transaction has
// executed at least once, so that first-incarnation outputs are available
// for its reads.
//
// executedIdx is the first index not yet known to have completed an
// incarnation. It is stored only while holding mu, which makes the
// admission decision and the deferred-set drain atomic with respect to each
// other; lock-free loads elsewhere are advisory.
type executionQueue struct {
	mu          sync.Mutex
	ready       *btree.BTree
	deferred    *btree.BTree
	executedIdx *atomic.Uint32
	numTxns     uint32
}

func newExecutionQueue(numTxns uint32) *executionQueue {
	q := &executionQueue{
		ready:       btree.New(executionQueueDegree),
		deferred:    btree.New(executionQueueDegree),
		executedIdx: atomic.NewUint32(0),
		numTxns:     numTxns,
	}

	// every transaction starts execution-ready at incarnation 0
	for i := uint32(0); i < numTxns; i++ {
		q.ready.ReplaceOrInsert(txnIndexItem(i))
	}
	return q
}

// popMin removes and returns the lowest ready transaction index.
func (q *executionQueue) popMin() (model.TxnIndex, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.ready.DeleteMin()
	if item == nil {
		return 0, false
	}
	return model.TxnIndex(item.(txnIndexItem)), true
}

// readmit adds a transaction back to the ready set, or parks it in the
// deferred set when the admission rule withholds its re-execution. Adding
// an index twice is a no-op.
func (q *executionQueue) readmit(txnIndex model.TxnIndex, incarnation model.Incarnation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if incarnation == 0 || q.executedIdx.Load() >= uint32(txnIndex) {
		q.ready.ReplaceOrInsert(txnIndexItem(txnIndex))
		return
	}
	q.deferred.ReplaceOrInsert(txnIndexItem(txnIndex))
}

// advanceExecutedIdx publishes a new executed-index frontier and admits
// every deferred re-execution the frontier caught up to.
func (q *executionQueue) advanceExecutedIdx(newIdx uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if newIdx <= q.executedIdx.Load() {
		return
	}
	q.executedIdx.Store(newIdx)

	var admitted []txnIndexItem
	q.deferred.AscendLessThan(txnIndexItem(newIdx+1), func(item btree.Item) bool {
		admitted = append(admitted, item.(txnIndexItem))
		return true
	})
	for _, item := range admitted {
		q.deferred.Delete(item)
		q.ready.ReplaceOrInsert(item)
	}
}
