package model

// TaskKind discriminates the work a scheduler hands to a worker.
type TaskKind int

const (
	// TaskExecute instructs the worker to run the given (index, incarnation).
	TaskExecute TaskKind = iota
	// TaskCommit instructs the worker to run post-commit work for the index.
	TaskCommit
	// TaskSpin instructs the worker to retry the dispatch; a dispatch race
	// (e.g. a concurrent stall) made the popped transaction unrunnable.
	TaskSpin
	// TaskDone signals that the block has fully committed and the worker
	// should exit.
	TaskDone
)

func (k TaskKind) String() string {
	switch k {
	case TaskExecute:
		return "execute"
	case TaskCommit:
		return "commit"
	case TaskSpin:
		return "spin"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task is a single unit of work returned by the scheduler's dispatcher.
// Version is meaningful for TaskExecute; for TaskCommit only its TxnIndex
// field is set.
type Task struct {
	Kind    TaskKind
	Version Version
}

// NewExecuteTask returns a task instructing a worker to execute the given
// incarnation of a transaction.
func NewExecuteTask(txnIndex TxnIndex, incarnation Incarnation) Task {
	return Task{
		Kind:    TaskExecute,
		Version: Version{TxnIndex: txnIndex, Incarnation: incarnation},
	}
}

// NewCommitTask returns a task instructing a worker to run post-commit work
// for the given transaction.
func NewCommitTask(txnIndex TxnIndex) Task {
	return Task{
		Kind:    TaskCommit,
		Version: Version{TxnIndex: txnIndex},
	}
}
