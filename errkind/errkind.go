// Package errkind defines the typed error kinds surfaced by the credential
// and membership core.
package errkind

import "errors"

// Kind identifies one of the error categories a caller can switch on.
type Kind string

const (
	AuthRejected          Kind = "AUTH_REJECTED"
	AuthGeneral           Kind = "AUTH_GENERAL"
	GreetInvalidCommand   Kind = "GREET_INVALID_COMMAND"
	GreetInvalidInvite    Kind = "GREET_INVALID_INVITATION"
	GreetInvalidState     Kind = "GREET_INVALID_STATE"
	GreetInvalidNonce     Kind = "GREET_INVALID_NONCE"
	GreetInvalidSignature Kind = "GREET_INVALID_SIGNATURE"
	GreetInvalidMsgType   Kind = "GREET_INVALID_MSG_TYPE"
	GreetInvalidParty     Kind = "GREET_INVALID_PARTY"
	KeyFatal              Kind = "KEY_FATAL"
)

// Error wraps an underlying cause with a stable Kind and a Fatal flag.
//
// Fatal separates the two failure classes the core distinguishes: a
// KeyFatal (or a malformed Genesis) must abort the party's ingestion loop,
// whereas every other kind is reported to the caller without tearing down
// ongoing processing.
type Error struct {
	Kind  Kind
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable string code suitable for log fields and metric
// labels.
func (e *Error) Code() string { return string(e.Kind) }

// New builds a non-fatal Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewFatal builds a fatal Error of the given kind.
func NewFatal(kind Kind, err error) *Error {
	return &Error{Kind: kind, Fatal: true, Err: err}
}

// Is reports whether err, or an error it wraps, is an *Error carrying the
// given Kind. A Kind is a string, not an error value, so errors.Is cannot
// match it; this function is the check for a kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsFatal reports whether err is marked Fatal.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
