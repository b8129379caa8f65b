package metrics

import "time"

// Collector consumes scheduling events from the concurrency core. All
// methods must be safe for concurrent use and cheap enough for hot paths.
type Collector interface {
	// ExecutionStarted is called when a worker picks up an (index,
	// incarnation) execution task.
	ExecutionStarted(incarnation uint32)

	// ExecutionFinished is called when finish_execution accepts a completed
	// incarnation.
	ExecutionFinished(incarnation uint32)

	// TransactionAborted is called for every successful abort (including
	// speculative self-aborts from the dependency-wait policy).
	TransactionAborted()

	// TransactionCommitted is called when the commit frontier passes a
	// transaction.
	TransactionCommitted()

	// TransactionStalled / TransactionUnstalled are called on net stall
	// transitions (stall count 0 -> 1 and 1 -> 0).
	TransactionStalled()
	TransactionUnstalled()

	// DependencyWaitDuration records time spent blocked in the dependency
	// resolution slow path.
	DependencyWaitDuration(duration time.Duration)

	// BlockExecuted records the wall-clock duration of a fully committed
	// block and its transaction count.
	BlockExecuted(duration time.Duration, numTxns int)
}

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (c *NoopCollector) ExecutionStarted(uint32)              {}
func (c *NoopCollector) ExecutionFinished(uint32)             {}
func (c *NoopCollector) TransactionAborted()                  {}
func (c *NoopCollector) TransactionCommitted()                {}
func (c *NoopCollector) TransactionStalled()                  {}
func (c *NoopCollector) TransactionUnstalled()                {}
func (c *NoopCollector) DependencyWaitDuration(time.Duration) {}
func (c *NoopCollector) BlockExecuted(time.Duration, int)     {}

var _ Collector = (*NoopCollector)(nil)
