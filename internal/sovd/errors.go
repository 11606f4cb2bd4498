package sovd

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a diagnostic error. Every operation on a Backend returns
// either nil or an *Error carrying exactly one Kind, so the HTTP layer can
// map failures to status codes without string matching.
type Kind int

const (
	KindEntityNotFound Kind = iota
	KindParameterNotFound
	KindOperationNotFound
	KindOutputNotFound
	KindSessionRequired
	KindSecurityRequired
	KindEcuError
	KindProtocol
	KindTransport
	KindTimeout
	KindBusy
	KindRateLimited
	KindInvalidRequest
	KindNotSupported
	KindFlashState
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindEntityNotFound:
		return "entity_not_found"
	case KindParameterNotFound:
		return "parameter_not_found"
	case KindOperationNotFound:
		return "operation_not_found"
	case KindOutputNotFound:
		return "output_not_found"
	case KindSessionRequired:
		return "session_required"
	case KindSecurityRequired:
		return "security_required"
	case KindEcuError:
		return "ecu_error"
	case KindProtocol:
		return "protocol_error"
	case KindTransport:
		return "transport_error"
	case KindTimeout:
		return "timeout"
	case KindBusy:
		return "busy"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindNotSupported:
		return "not_supported"
	case KindFlashState:
		return "flash_state_error"
	case KindInternal:
		return "internal_error"
	}
	return "unknown"
}

// Error is the structured error type shared by all backends.
type Error struct {
	Kind Kind
	Msg  string

	// NRC and SID are set for KindEcuError (and the NRC-derived kinds
	// SessionRequired/SecurityRequired) so callers can inspect the raw
	// negative response.
	NRC byte
	SID byte

	// Level is the required security level for KindSecurityRequired.
	Level uint8

	// Session is the required session for KindSessionRequired, when known.
	Session string

	// Feature names the unimplemented operation for KindNotSupported.
	Feature string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindEcuError:
		return fmt.Sprintf("ECU negative response: NRC 0x%02X (SID 0x%02X): %s", e.NRC, e.SID, e.Msg)
	case KindSecurityRequired:
		return fmt.Sprintf("security access required: level %d", e.Level)
	case KindSessionRequired:
		if e.Session != "" {
			return fmt.Sprintf("session change required: %s", e.Session)
		}
		return "session change required"
	case KindNotSupported:
		return fmt.Sprintf("operation not supported: %s", e.Feature)
	}
	if e.Err != nil && e.Msg != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to its REST status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindEntityNotFound, KindParameterNotFound, KindOperationNotFound, KindOutputNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindSecurityRequired:
		return http.StatusForbidden
	case KindSessionRequired:
		return http.StatusPreconditionFailed
	case KindBusy, KindFlashState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport:
		return http.StatusServiceUnavailable
	case KindEcuError, KindProtocol:
		return http.StatusBadGateway
	case KindNotSupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// ErrKind extracts the Kind from an error chain. Returns KindInternal for
// errors that are not *Error.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error, wrapping foreign errors as
// KindInternal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Err: err}
}

func EntityNotFound(id string) *Error {
	return &Error{Kind: KindEntityNotFound, Msg: id}
}

func ParameterNotFound(id string) *Error {
	return &Error{Kind: KindParameterNotFound, Msg: id}
}

func OperationNotFound(id string) *Error {
	return &Error{Kind: KindOperationNotFound, Msg: id}
}

func OutputNotFound(id string) *Error {
	return &Error{Kind: KindOutputNotFound, Msg: id}
}

func SessionRequired(session string, nrc, sid byte) *Error {
	return &Error{Kind: KindSessionRequired, Session: session, NRC: nrc, SID: sid}
}

func SecurityRequired(level uint8) *Error {
	return &Error{Kind: KindSecurityRequired, Level: level, NRC: 0x33}
}

func EcuError(nrc, sid byte, msg string) *Error {
	return &Error{Kind: KindEcuError, NRC: nrc, SID: sid, Msg: msg}
}

func Protocolf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

func TransportErr(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Msg: msg}
}

func Busyf(format string, args ...any) *Error {
	return &Error{Kind: KindBusy, Msg: fmt.Sprintf(format, args...)}
}

func RateLimitedf(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Msg: fmt.Sprintf(format, args...)}
}

func InvalidRequestf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}

func NotSupported(feature string) *Error {
	return &Error{Kind: KindNotSupported, Feature: feature}
}

func FlashStatef(format string, args ...any) *Error {
	return &Error{Kind: KindFlashState, Msg: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}
