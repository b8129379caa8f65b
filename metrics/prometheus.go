package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceSTM       = "block_stm"
	subsystemScheduler = "scheduler"
	subsystemExecutor  = "executor"
)

// SchedulerCollector is a prometheus-backed Collector.
type SchedulerCollector struct {
	executionsStarted   prometheus.Counter
	executionsFinished  prometheus.Counter
	reExecutions        prometheus.Counter
	aborts              prometheus.Counter
	commits             prometheus.Counter
	stalls              prometheus.Counter
	unstalls            prometheus.Counter
	dependencyWait      prometheus.Histogram
	blockExecutionTime  prometheus.Histogram
	blockTransactionCnt prometheus.Histogram
}

func NewSchedulerCollector(registerer prometheus.Registerer) *SchedulerCollector {
	factory := promauto.With(registerer)

	return &SchedulerCollector{
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "executions_started_total",
			Help:      "number of execution tasks dispatched to workers",
		}),
		executionsFinished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "executions_finished_total",
			Help:      "number of incarnations that completed execution",
		}),
		reExecutions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "re_executions_total",
			Help:      "number of completed incarnations beyond the first",
		}),
		aborts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "aborts_total",
			Help:      "number of successful incarnation aborts",
		}),
		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "commits_total",
			Help:      "number of committed transactions",
		}),
		stalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "stalls_total",
			Help:      "number of net transaction stall transitions",
		}),
		unstalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "unstalls_total",
			Help:      "number of net transaction unstall transitions",
		}),
		dependencyWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemScheduler,
			Name:      "dependency_wait_seconds",
			Help:      "time workers spent blocked on dependency resolution",
			Buckets:   []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
		}),
		blockExecutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemExecutor,
			Name:      "block_execution_seconds",
			Help:      "wall-clock duration of parallel block execution",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 2, 14),
		}),
		blockTransactionCnt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceSTM,
			Subsystem: subsystemExecutor,
			Name:      "block_transaction_count",
			Help:      "number of transactions per executed block",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (c *SchedulerCollector) ExecutionStarted(incarnation uint32) {
	c.executionsStarted.Inc()
}

func (c *SchedulerCollector) ExecutionFinished(incarnation uint32) {
	c.executionsFinished.Inc()
	if incarnation > 0 {
		c.reExecutions.Inc()
	}
}

func (c *SchedulerCollector) TransactionAborted() {
	c.aborts.Inc()
}

func (c *SchedulerCollector) TransactionCommitted() {
	c.commits.Inc()
}

func (c *SchedulerCollector) TransactionStalled() {
	c.stalls.Inc()
}

func (c *SchedulerCollector) TransactionUnstalled() {
	c.unstalls.Inc()
}

func (c *SchedulerCollector) DependencyWaitDuration(duration time.Duration) {
	c.dependencyWait.Observe(duration.Seconds())
}

func (c *SchedulerCollector) BlockExecuted(duration time.Duration, numTxns int) {
	c.blockExecutionTime.Observe(duration.Seconds())
	c.blockTransactionCnt.Observe(float64(numTxns))
}

var _ Collector = (*SchedulerCollector)(nil)
