package websocket

import (
	"errors"
	"fmt"
)

var (
	ErrState             = errors.New("websocket: invalid state for operation")
	ErrFinalized         = errors.New("websocket: data processor already finalized")
	ErrContinuationStart = errors.New("websocket: message cannot start with a continuation frame")
	ErrNotFirstPart      = errors.New("websocket: data processor must start with the first frame of a series")
	ErrFragment          = errors.New("websocket: frame cannot be fragmented")
	ErrOpcodeRange       = errors.New("websocket: opcode out of range")
	ErrMaskKey           = errors.New("websocket: masking key must be nonzero")
	ErrDuplicateID       = errors.New("websocket: duplicate id")
	ErrUnknownID         = errors.New("websocket: unknown id")
	ErrNoSuggestion      = errors.New("websocket: active extension suggested no parameters")
	ErrTooManyRedirects  = errors.New("websocket: too many handshake redirects")
)

// CloseError carries the status a failed connection is closed with. Code is
// STATUS_CODE_NONE for failures that only make sense before the handshake
// completed; HTTPStatus is what a server answers with in that phase.
type CloseError struct {
	Code       StatusCode
	Reason     string
	HTTPStatus int
	Err        error
}

func NewCloseError(code StatusCode, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason, HTTPStatus: code.HTTPStatus()}
}

func (e *CloseError) Error() string {
	msg := fmt.Sprintf("websocket: %04d %s", uint16(e.Code), e.Code)
	if e.Code == STATUS_CODE_NONE && e.HTTPStatus != 0 {
		msg = fmt.Sprintf("websocket: handshake %d", e.HTTPStatus)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CloseError) Unwrap() error { return e.Err }

// Wrap attaches a cause and returns e.
func (e *CloseError) Wrap(err error) *CloseError {
	e.Err = err
	return e
}

// PreHandshake reports whether e has no wire close code.
func (e *CloseError) PreHandshake() bool { return e.Code == STATUS_CODE_NONE }

func ProtocolError(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_PROTOCOL_ERROR, fmt.Sprintf(format, args...))
}

func MessageTooBig(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_MESSAGE_TOO_BIG, fmt.Sprintf(format, args...))
}

func UnsupportedData(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_UNSUPPORTED_DATA, fmt.Sprintf(format, args...))
}

func InvalidPayload(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_INVALID_PAYLOAD, fmt.Sprintf(format, args...))
}

func PolicyViolation(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_POLICY_VIOLATION, fmt.Sprintf(format, args...))
}

func GoingAway(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_GOING_AWAY, fmt.Sprintf(format, args...))
}

func InternalError(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_INTERNAL_ERROR, fmt.Sprintf(format, args...))
}

func AbnormalClosure(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_ABNORMAL_CLOSURE, fmt.Sprintf(format, args...))
}

func ExtensionsNotNegotiated(format string, args ...any) *CloseError {
	return NewCloseError(STATUS_CODE_EXTENSION_NOT_ACCEPTED, fmt.Sprintf(format, args...))
}

func preHandshake(httpStatus int, format string, args ...any) *CloseError {
	return &CloseError{Reason: fmt.Sprintf(format, args...), HTTPStatus: httpStatus}
}

// MalformedHeader reports a handshake header that breaks the protocol.
func MalformedHeader(format string, args ...any) *CloseError {
	return preHandshake(400, format, args...)
}

func NegotiationError(format string, args ...any) *CloseError {
	return preHandshake(400, format, args...)
}

func UnsupportedHTTPVersion(format string, args ...any) *CloseError {
	return preHandshake(505, format, args...)
}

func UnsupportedWebSocketVersion(format string, args ...any) *CloseError {
	return preHandshake(426, format, args...)
}

func RequestURIMismatch(format string, args ...any) *CloseError {
	return preHandshake(404, format, args...)
}

// InvalidHTTPStatus is the client side failure for a handshake answered with
// anything but 101.
func InvalidHTTPStatus(httpStatus int, text string) *CloseError {
	return preHandshake(httpStatus, "%s", text)
}

// AsCloseError maps any error to the status the connection should close
// with. Errors that are not CloseErrors become InternalError.
func AsCloseError(err error) *CloseError {
	if err == nil {
		return nil
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	var te *TransportError
	if errors.As(err, &te) {
		return AbnormalClosure("transport").Wrap(err)
	}
	return InternalError("").Wrap(err)
}

// TransportError is a failed write to the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
