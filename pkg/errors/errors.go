// Package errors provides the error helpers shared by every vitadeploy
// package: context wrapping, root cause extraction, and errors whose message
// is meant to be shown to the operator as-is.
package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the formatted message.
func New(format string, args ...interface{}) error {
	return goerrors.New(fmt.Sprintf(format, args...))
}

type contextError struct {
	context string
	err     error
}

// WithContext annotates `err` with a short description of what was being
// attempted. Nil errors stay nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause returns the innermost error wrapped by `err`.
func RootCause(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Is reports whether any error in `err`'s chain matches `target`.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in `err`'s chain that matches `target`.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// FriendlyError is an error whose message can be shown to the user without
// any further context.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error that's printed verbatim by the CLI.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the friendliest message available for `err`.
// If a friendly error is anywhere in the chain, its message is used.
// Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
