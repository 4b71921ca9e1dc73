package vm

import (
	"errors"
	"fmt"
)

// Runtime failure classes. A *RuntimeError wraps exactly one of them.
var (
	ErrDoesNotUnderstand  = errors.New("does not understand")
	ErrArity              = errors.New("wrong number of arguments")
	ErrMissingKeyword     = errors.New("missing keyword argument")
	ErrUnknownKeyword     = errors.New("unknown keyword argument")
	ErrUndefinedConstant  = errors.New("undefined constant")
	ErrStackOverflow      = errors.New("stack overflow")
	ErrNotAnObject        = errors.New("receiver has no instance variables")
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// RuntimeError is raised (as a panic) inside the interpreter and returned
// as an error from Send.
type RuntimeError struct {
	Err    error
	Detail string
}

func (e *RuntimeError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Raise panics with a RuntimeError wrapping err.
func Raise(err error, format string, args ...any) {
	panic(&RuntimeError{Err: err, Detail: fmt.Sprintf(format, args...)})
}
