package errors

import (
	stdErrors "errors"
	"fmt"
)

// CodedFailure is implemented by all fatal errors. A failure aborts the
// block; there is no sensible in-block recovery.
type CodedFailure interface {
	FailureCode() FailureCode
	error
}

type codedFailure struct {
	code FailureCode
	err  error
}

func (f codedFailure) FailureCode() FailureCode {
	return f.code
}

func (f codedFailure) Error() string {
	return fmt.Sprintf("%s %s", f.code.String(), f.err.Error())
}

func (f codedFailure) Unwrap() error {
	return f.err
}

// NewCodeInvariantFailuref constructs a new CodedFailure indicating a broken
// internal invariant or caller contract (e.g. committing an estimate, or a
// finish_execution call with a mismatched incarnation).
func NewCodeInvariantFailuref(msg string, args ...interface{}) CodedFailure {
	return codedFailure{
		code: FailureCodeCodeInvariant,
		err:  fmt.Errorf(msg, args...),
	}
}

// NewUnreachableFailuref constructs a new CodedFailure for states that the
// state machines cannot legally reach.
func NewUnreachableFailuref(msg string, args ...interface{}) CodedFailure {
	return codedFailure{
		code: FailureCodeUnreachable,
		err:  fmt.Errorf(msg, args...),
	}
}

// IsFailure returns true if err is fatal for the block.
func IsFailure(err error) bool {
	var failure CodedFailure
	return stdErrors.As(err, &failure)
}

func HasFailureCode(err error, code FailureCode) bool {
	var failure CodedFailure
	return stdErrors.As(err, &failure) && failure.FailureCode() == code
}
