package errors

import "fmt"

// ErrorCode identifies an expected concurrency condition. Errors carrying
// these codes are ordinary control-flow signals: callers wait and retry, or
// re-execute the owning transaction. They never indicate a bug.
type ErrorCode uint16

func (ec ErrorCode) String() string {
	return fmt.Sprintf("[Error Code: %d]", ec)
}

// FailureCode identifies an invariant violation: either a caller broke its
// contract or the scheduler itself is buggy. Failures are unrecoverable for
// the block and must not be absorbed.
type FailureCode uint16

func (fc FailureCode) String() string {
	return fmt.Sprintf("[Failure Code: %d]", fc)
}

const (
	// expected concurrency conditions 1000 - 1099
	ErrCodeDependency              ErrorCode = 1001
	ErrCodeDelayedFieldNotFound    ErrorCode = 1002
	ErrCodeDeltaApplicationFailure ErrorCode = 1003
	ErrCodeReExecutionNeeded       ErrorCode = 1004
)

const (
	FailureCodeCodeInvariant FailureCode = 2000
	FailureCodeUnreachable   FailureCode = 2001
)
