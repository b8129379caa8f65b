package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/onflow/block-stm/model"
)

// CodedError is implemented by all expected (recoverable) errors surfaced
// by the concurrency core.
type CodedError interface {
	Code() ErrorCode
	error
}

type codedError struct {
	code ErrorCode
	err  error
}

func newError(code ErrorCode, msg string, args ...interface{}) codedError {
	return codedError{
		code: code,
		err:  fmt.Errorf(msg, args...),
	}
}

func (e codedError) Code() ErrorCode {
	return e.code
}

func (e codedError) Error() string {
	return fmt.Sprintf("%s %s", e.code.String(), e.err.Error())
}

func (e codedError) Unwrap() error {
	return e.err
}

// HasErrorCode returns true if err (or any error it wraps) carries the
// given code.
func HasErrorCode(err error, code ErrorCode) bool {
	var coded CodedError
	for stdErrors.As(err, &coded) {
		if coded.Code() == code {
			return true
		}

		wrapped, ok := coded.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = wrapped.Unwrap()
	}
	return false
}

// DependencyError reports that a read observed an unresolved estimate and
// cannot proceed until the blocking transaction re-executes.
type DependencyError struct {
	codedError

	// BlockingTxnIndex is the transaction whose pending re-execution blocks
	// the reader.
	BlockingTxnIndex model.TxnIndex
}

// NewDependencyError constructs a new DependencyError naming the blocking
// transaction.
func NewDependencyError(blocking model.TxnIndex) DependencyError {
	return DependencyError{
		codedError: newError(
			ErrCodeDependency,
			"read blocked on pending re-execution of transaction %d",
			blocking),
		BlockingTxnIndex: blocking,
	}
}

// AsDependencyError unwraps err into a DependencyError, if it is one.
func AsDependencyError(err error) (DependencyError, bool) {
	var depErr DependencyError
	ok := stdErrors.As(err, &depErr)
	return depErr, ok
}

func IsDependencyError(err error) bool {
	return HasErrorCode(err, ErrCodeDependency)
}

// NewDelayedFieldNotFoundErrorf constructs a new CodedError indicating that
// a delayed field (or a readable entry for it) does not exist yet. This is
// expected while the writing transaction is still speculative.
func NewDelayedFieldNotFoundErrorf(msg string, args ...interface{}) CodedError {
	return newError(ErrCodeDelayedFieldNotFound, "delayed field not found: "+msg, args...)
}

func IsDelayedFieldNotFoundError(err error) bool {
	return HasErrorCode(err, ErrCodeDelayedFieldNotFound)
}

// NewDeltaApplicationErrorf constructs a new CodedError indicating that a
// delta could not be applied to its base value (e.g. arithmetic underflow
// on a transient speculative value). The owning transaction should be
// re-executed with corrected inputs.
func NewDeltaApplicationErrorf(msg string, args ...interface{}) CodedError {
	return newError(ErrCodeDeltaApplicationFailure, "delta application failed: "+msg, args...)
}

func IsDeltaApplicationError(err error) bool {
	return HasErrorCode(err, ErrCodeDeltaApplicationFailure)
}

// NewReExecutionNeededErrorf constructs a new CodedError indicating that the
// current incarnation observed inputs that are already known to be stale and
// must abandon its output.
func NewReExecutionNeededErrorf(msg string, args ...interface{}) CodedError {
	return newError(ErrCodeReExecutionNeeded, "re-execution needed: "+msg, args...)
}

func IsReExecutionNeededError(err error) bool {
	return HasErrorCode(err, ErrCodeReExecutionNeeded)
}
