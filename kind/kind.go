// Package kind implements the engine's error taxonomy: a small set of
// semantic error kinds (§7 of the design spec), each mapping to the
// HTTP status it produces and whether the connection must close after
// the response is sent.
package kind

import "fmt"

// Kind identifies the semantic class of a failure raised anywhere in
// the request pipeline, independent of where it was raised.
type Kind int

const (
	Unknown Kind = iota
	ProtocolMalformed
	HeaderTooLarge
	PayloadTooLarge
	UnsupportedMediaType
	NotImplemented
	VersionNotSupported
	NotAcceptable
	NotFound
	MethodNotAllowed
	TimeoutSlowHeaders
	InternalError
	TransportFailure
	TLSFailure
)

// Status returns the HTTP status code associated with k, or 0 when the
// kind never produces a response (e.g. TransportFailure before any
// bytes were sent).
func (k Kind) Status() int {
	switch k {
	case ProtocolMalformed:
		return 400
	case HeaderTooLarge:
		return 431
	case PayloadTooLarge:
		return 413
	case UnsupportedMediaType:
		return 415
	case NotImplemented:
		return 501
	case VersionNotSupported:
		return 505
	case NotAcceptable:
		return 406
	case NotFound:
		return 404
	case MethodNotAllowed:
		return 405
	case TimeoutSlowHeaders:
		return 408
	case InternalError:
		return 500
	default:
		return 0
	}
}

// CloseAfterResponse reports whether the connection must be torn down
// once the error response for k has been fully written.
func (k Kind) CloseAfterResponse() bool {
	switch k {
	case NotAcceptable, NotFound, MethodNotAllowed:
		return false
	default:
		return true
	}
}

func (k Kind) String() string {
	switch k {
	case ProtocolMalformed:
		return "protocol_malformed"
	case HeaderTooLarge:
		return "header_too_large"
	case PayloadTooLarge:
		return "payload_too_large"
	case UnsupportedMediaType:
		return "unsupported_media_type"
	case NotImplemented:
		return "not_implemented"
	case VersionNotSupported:
		return "version_not_supported"
	case NotAcceptable:
		return "not_acceptable"
	case NotFound:
		return "not_found"
	case MethodNotAllowed:
		return "method_not_allowed"
	case TimeoutSlowHeaders:
		return "timeout_slow_headers"
	case InternalError:
		return "internal_error"
	case TransportFailure:
		return "transport_failure"
	case TLSFailure:
		return "tls_failure"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human message and an optional cause,
// satisfying the standard error interface and errors.Unwrap.
type Error struct {
	K       Kind
	Message string
	Cause   error
}

func New(k Kind, message string) *Error {
	return &Error{K: k, Message: message}
}

func Wrap(k Kind, message string, cause error) *Error {
	return &Error{K: k, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// As extracts a *Error from err, if any, mirroring errors.As without
// forcing callers to import "errors" for this one taxonomy.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
