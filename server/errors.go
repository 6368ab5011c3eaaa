package server

import "fmt"

// ListenError is returned when a listener cannot be bound.
type ListenError struct {
	Addr  string
	Cause error
}

func (e ListenError) Error() string {
	return fmt.Sprintf("listen on %s: %s", e.Addr, e.Cause)
}

func (e ListenError) Unwrap() error {
	return e.Cause
}

// IdentityError is returned when the TLS identity cannot be loaded.
type IdentityError struct {
	Path  string
	Cause error
}

func (e IdentityError) Error() string {
	return fmt.Sprintf("load TLS identity %s: %s", e.Path, e.Cause)
}

func (e IdentityError) Unwrap() error {
	return e.Cause
}

// ApplicationError is a failure reported by an Application.
type ApplicationError struct {
	Message string
	Cause   error
}

func (e ApplicationError) Error() string {
	if e.Cause == nil {
		return "application error: " + e.Message
	}
	return fmt.Sprintf("application error: %s: %s", e.Message, e.Cause)
}

func (e ApplicationError) Unwrap() error {
	return e.Cause
}
