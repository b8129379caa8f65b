package executor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/onflow/block-stm/errors"
	"github.com/onflow/block-stm/metrics"
	"github.com/onflow/block-stm/model"
	"github.com/onflow/block-stm/scheduler"
)

// DependencyResolver is the read-time interface the VM uses while executing
// a transaction: the wait-free happy path first, the blocking path when the
// happy path says no. The scheduler implements it.
type DependencyResolver interface {
	ResolveDependencyHappyPath(
		txnIndex model.TxnIndex,
		depTxnIndex model.TxnIndex,
	) (bool, error)

	ResolveDependency(
		txnIndex model.TxnIndex,
		incarnation model.Incarnation,
		depTxnIndex model.TxnIndex,
	) (bool, error)
}

// ExecutionResult is what the VM reports for one completed incarnation.
type ExecutionResult struct {
	// Invalidated lists the downstream versions whose previously-read
	// values this execution changed.
	Invalidated []model.Version
}

// VM executes one incarnation of a transaction. Returning a coded
// ReExecutionNeeded error abandons the incarnation without reporting it
// (the scheduler has already re-queued the transaction); any other error is
// fatal for the block.
type VM interface {
	Execute(
		resolver DependencyResolver,
		version model.Version,
	) (*ExecutionResult, error)
}

// Committer runs the post-commit work of one transaction: materializing
// delayed fields, extracting outputs. It is called exactly once per index,
// in strictly increasing index order, from a single goroutine.
type Committer interface {
	CommitTransaction(txnIndex model.TxnIndex) error
}

type Option func(*Executor)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = log
	}
}

func WithMetrics(collector metrics.Collector) Option {
	return func(e *Executor) {
		e.metrics = collector
	}
}

func WithTracer(tracer otelTrace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// WithSchedulerOptions forwards options to the per-block scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(e *Executor) {
		e.schedulerOpts = opts
	}
}

// Executor drives a fixed pool of workers against the scheduler until a
// block fully commits. It owns no transaction semantics: the VM decides
// what a transaction reads and writes, the committer decides what becomes
// of committed outputs.
type Executor struct {
	log           zerolog.Logger
	metrics       metrics.Collector
	tracer        otelTrace.Tracer
	vm            VM
	committer     Committer
	numWorkers    uint32
	schedulerOpts []scheduler.Option
}

func New(vm VM, committer Committer, numWorkers uint32, opts ...Option) *Executor {
	if numWorkers == 0 {
		numWorkers = uint32(runtime.NumCPU())
	}

	e := &Executor{
		log:        zerolog.Nop(),
		metrics:    metrics.NewNoopCollector(),
		tracer:     noop.NewTracerProvider().Tracer("block-stm"),
		vm:         vm,
		committer:  committer,
		numWorkers: numWorkers,
	}

	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "stm_executor").Logger()

	return e
}

// ExecuteBlock executes a block of numTxns transactions to completion and
// returns the final scheduler snapshot. A fatal error from any worker halts
// the block; all workers drain before the error is returned.
func (e *Executor) ExecuteBlock(
	ctx context.Context,
	numTxns uint32,
) (scheduler.Stats, error) {
	ctx, span := e.tracer.Start(ctx, "block_stm.execute_block")
	span.SetAttributes(
		attribute.Int64("num_txns", int64(numTxns)),
		attribute.Int64("num_workers", int64(e.numWorkers)),
	)
	defer span.End()

	start := time.Now()

	sched := scheduler.NewScheduler(
		numTxns,
		e.numWorkers,
		e.log,
		e.metrics,
		e.schedulerOpts...)

	commits := newCommitProcessor(e.committer, sched)

	var (
		errMu     sync.Mutex
		workerErr *multierror.Error
	)
	fail := func(err error) {
		errMu.Lock()
		workerErr = multierror.Append(workerErr, err)
		errMu.Unlock()
		sched.Halt()
	}

	pool := workerpool.New(int(e.numWorkers))
	for i := uint32(0); i < e.numWorkers; i++ {
		workerID := i
		pool.Submit(func() {
			if err := e.workerLoop(ctx, sched, commits); err != nil {
				e.log.Err(err).Uint32("worker", workerID).Msg("worker failed")
				fail(err)
			}
		})
	}
	pool.StopWait()

	if err := commits.stop(); err != nil {
		fail(err)
	}

	errMu.Lock()
	err := workerErr.ErrorOrNil()
	errMu.Unlock()

	stats := sched.Stats()
	if err == nil {
		e.metrics.BlockExecuted(time.Since(start), int(numTxns))
		e.log.Debug().
			Uint32("num_txns", numTxns).
			Dur("duration", time.Since(start)).
			Msg("block executed")
	}
	return stats, err
}

func (e *Executor) workerLoop(
	ctx context.Context,
	sched *scheduler.Scheduler,
	commits *commitProcessor,
) error {
	for {
		if err := ctx.Err(); err != nil {
			sched.Halt()
			return err
		}

		task := sched.NextTask()
		switch task.Kind {
		case model.TaskDone:
			return nil

		case model.TaskSpin:
			runtime.Gosched()

		case model.TaskCommit:
			commits.enqueue(task.Version.TxnIndex)

		case model.TaskExecute:
			result, err := e.vm.Execute(sched, task.Version)
			if err != nil {
				if errors.IsReExecutionNeededError(err) {
					// self-aborted mid-execution; the scheduler already
					// queued the next incarnation
					continue
				}
				return err
			}
			if err := sched.FinishExecution(
				task.Version.TxnIndex,
				task.Version.Incarnation,
				result.Invalidated,
			); err != nil {
				return err
			}
		}
	}
}
