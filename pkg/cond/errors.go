// Package cond defines the failure kinds a dispatched call can end with.
//
// Every kind carries an ErrorCategory and ErrorCode so callers can report
// failures without knowing the concrete type, and an Is method so that
// errors.Is(err, cond.ErrTransport{}) matches any transport failure in the
// chain.
package cond

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorCategory interface {
	ErrorCategory() string
}

type ErrorCode interface {
	ErrorCode() string
}

type ErrorMessage interface {
	ErrorMessage() string
}

// ErrTransport is a connection level failure: the remote could not be
// reached, the connection broke, or the network timed out.
type ErrTransport struct {
	Addr string
	Err  error
}

func (e ErrTransport) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure (%s): %v", e.Addr, e.Err)
}

func (e ErrTransport) ErrorCategory() string {
	return "transport"
}

func (e ErrTransport) ErrorCode() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "timeout"
	}

	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return "timeout"
	}

	return "unavailable"
}

func (e ErrTransport) Unwrap() error {
	return e.Err
}

func (e ErrTransport) Is(target error) bool {
	_, ok := target.(ErrTransport)
	return ok
}

func TransportFailure(addr string, err error) error {
	if err == nil {
		return nil
	}

	var te ErrTransport
	if errors.As(err, &te) {
		return err
	}

	return ErrTransport{Addr: addr, Err: err}
}

// ErrApplication is an error the remote side reported for the call.
type ErrApplication struct {
	Category string
	Code     string
	Message  string
}

func (e ErrApplication) Error() string {
	cat := e.Category
	code := e.Code

	if cat == "" {
		cat = "generic"
	}

	if code == "" {
		code = "unknown"
	}

	return fmt.Sprintf("remote error: %s %s: %s", cat, code, e.Message)
}

func (e ErrApplication) ErrorCategory() string {
	return e.Category
}

func (e ErrApplication) ErrorCode() string {
	return e.Code
}

func (e ErrApplication) ErrorMessage() string {
	return e.Message
}

func (e ErrApplication) Is(target error) bool {
	_, ok := target.(ErrApplication)
	return ok
}

func ApplicationFailure(category, code, message string) error {
	return ErrApplication{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// ErrCancelled means the call was cancelled before it reached an outcome.
type ErrCancelled struct {
	Err error
}

func (e ErrCancelled) Error() string {
	if e.Err == nil {
		return "cancelled"
	}
	return "cancelled: " + e.Err.Error()
}

func (e ErrCancelled) ErrorCategory() string {
	return "call"
}

func (e ErrCancelled) ErrorCode() string {
	return "cancelled"
}

func (e ErrCancelled) Unwrap() error {
	return e.Err
}

func (e ErrCancelled) Is(target error) bool {
	_, ok := target.(ErrCancelled)
	return ok
}

func CancellationFailure(err error) error {
	var ce ErrCancelled
	if errors.As(err, &ce) {
		return err
	}

	if err == nil {
		err = context.Canceled
	}

	return ErrCancelled{Err: err}
}

// ErrExhausted is returned once every permitted attempt has failed, or no
// address is left to try. Err is the failure of the last attempt.
type ErrExhausted struct {
	Attempts int
	Err      error
}

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("exceeded maximum number of attempts, %d, %v", e.Attempts, e.Err)
}

func (e ErrExhausted) ErrorCategory() string {
	return "call"
}

func (e ErrExhausted) ErrorCode() string {
	return "exhausted"
}

func (e ErrExhausted) Unwrap() error {
	return e.Err
}

func (e ErrExhausted) Is(target error) bool {
	_, ok := target.(ErrExhausted)
	return ok
}

func ExhaustionFailure(attempts int, last error) error {
	return ErrExhausted{Attempts: attempts, Err: last}
}

// ErrPanic is an internal failure, such as a policy callback panicking.
type ErrPanic struct {
	Message string
}

func (e ErrPanic) Error() string {
	return "panic: " + e.Message
}

func (e ErrPanic) ErrorCategory() string {
	return "internal"
}

func (e ErrPanic) ErrorCode() string {
	return "panic"
}

func (e ErrPanic) Is(target error) bool {
	_, ok := target.(ErrPanic)
	return ok
}

func Panic(v any) error {
	return ErrPanic{Message: fmt.Sprint(v)}
}

type ErrValidationFailure struct {
	Message  string
	Category string
}

func (e ErrValidationFailure) Error() string {
	return "validation failure: " + e.Message
}

func (e ErrValidationFailure) ErrorCategory() string {
	return e.Category
}

func (e ErrValidationFailure) ErrorCode() string {
	return "validation-failure"
}

func (e ErrValidationFailure) ErrorMessage() string {
	return e.Message
}

func ValidationFailure(category, message string, args ...any) error {
	return ErrValidationFailure{
		Category: category,
		Message:  fmt.Sprintf(message, args...),
	}
}

func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport{})
}

func IsApplication(err error) bool {
	return errors.Is(err, ErrApplication{})
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled{})
}

func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted{})
}

// Classify maps an attempt error onto the failure kinds. Errors that already
// carry a kind are returned unchanged and context cancellation becomes
// ErrCancelled. Anything else, including deadline expiry, is a transport
// failure against addr.
func Classify(addr string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case IsCancelled(err), IsTransport(err), IsApplication(err), IsExhausted(err):
		return err
	case errors.Is(err, ErrPanic{}):
		return err
	case errors.Is(err, context.Canceled):
		return CancellationFailure(err)
	}

	return TransportFailure(addr, err)
}
