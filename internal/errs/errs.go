// Package errs defines the coordinator's error taxonomy: a small set of
// typed, wrapping errors that let the cycle boundary dispatch on Kind rather
// than string-matching messages.
package errs

import "fmt"

// Kind classifies an error for handling/propagation purposes.
type Kind string

const (
	KindConfig            Kind = "config"
	KindInit              Kind = "init"
	KindTransientIO       Kind = "transient_io"
	KindApi               Kind = "api"
	KindValidation        Kind = "validation"
	KindModelUnavailable  Kind = "model_unavailable"
	KindDataIntegrity     Kind = "data_integrity"
	KindFatalInvariant    Kind = "fatal_invariant"
)

// Error is the concrete type behind every constructor below.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Config wraps a missing or malformed configuration value. Fatal at startup.
func Config(msg string, cause error) *Error { return newErr(KindConfig, msg, cause) }

// Init wraps a collaborator initialization failure. Fatal before the loop starts.
func Init(msg string, cause error) *Error { return newErr(KindInit, msg, cause) }

// TransientIO wraps a network/timeout error on an exchange or model call.
// Retried per policy; after exhaustion it is logged and does not kill the heartbeat.
func TransientIO(msg string, cause error) *Error { return newErr(KindTransientIO, msg, cause) }

// Api wraps a non-retriable exchange rejection (4xx/5xx with a body).
func Api(code int, body string) *Error {
	return newErr(KindApi, fmt.Sprintf("http %d: %s", code, body), nil)
}

// Validation marks a RiskManager trade rejection. Not an error condition;
// logged at info.
func Validation(reason string) *Error { return newErr(KindValidation, reason, nil) }

// ModelUnavailable marks fewer than K_min models responding in a fan-out.
func ModelUnavailable(msg string) *Error { return newErr(KindModelUnavailable, msg, nil) }

// DataIntegrity marks an attempted terminal-state downgrade or invariant
// violation; the offending write is dropped.
func DataIntegrity(msg string) *Error { return newErr(KindDataIntegrity, msg, nil) }

// FatalInvariant marks the emergency-shutdown threshold being crossed.
func FatalInvariant(msg string) *Error { return newErr(KindFatalInvariant, msg, nil) }

// As reports whether err is an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
