package radius

import (
	"errors"
	"fmt"

	"layeh.com/radius"
)

// Error-Cause attribute values (RFC 5176)
const (
	ErrorCauseResidualSessionContextRemoved = 201
	ErrorCauseMissingAttribute              = 402
	ErrorCauseNASIdentificationMismatch     = 403
	ErrorCauseInvalidRequest                = 404
	ErrorCauseUnsupportedService            = 405
	ErrorCauseAdministrativelyProhibited    = 501
	ErrorCauseSessionContextNotFound        = 503
	ErrorCauseSessionContextNotRemovable    = 504
	ErrorCauseResourcesUnavailable          = 506
)

// ErrorKind classifies a failed CoA or Disconnect exchange.
type ErrorKind string

const (
	KindSessionNotFound  ErrorKind = "SESSION_NOT_FOUND"
	KindInvalidRequest   ErrorKind = "INVALID_REQUEST"
	KindMissingAttribute ErrorKind = "MISSING_ATTRIBUTE"
	KindTimeout          ErrorKind = "TIMEOUT"
	// KindNAK is a NAK with any other Error-Cause.
	KindNAK ErrorKind = "NAK"
)

var (
	ErrSessionNotFound  = errors.New(string(KindSessionNotFound))
	ErrInvalidRequest   = errors.New(string(KindInvalidRequest))
	ErrMissingAttribute = errors.New(string(KindMissingAttribute))
	ErrTimeout          = errors.New(string(KindTimeout))
	ErrNAK              = errors.New(string(KindNAK))
)

// CoAError is the result of a CoA or Disconnect the BRAS did not ACK.
type CoAError struct {
	Op       string
	Username string
	Kind     ErrorKind
	// Cause is the Error-Cause of a NAK, zero on timeout.
	Cause uint32
	Code  radius.Code
}

func (e *CoAError) Error() string {
	if e.Cause != 0 {
		return fmt.Sprintf("%s %q: %s (error-cause %d)", e.Op, e.Username, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Username, e.Kind)
}

// Unwrap maps the kind onto its sentinel.
func (e *CoAError) Unwrap() error {
	switch e.Kind {
	case KindSessionNotFound:
		return ErrSessionNotFound
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindMissingAttribute:
		return ErrMissingAttribute
	case KindTimeout:
		return ErrTimeout
	}
	return ErrNAK
}

// KindOf returns the kind of a CoA error, "" for nil and "ERROR" for
// failures that never reached the BRAS.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var coaErr *CoAError
	if errors.As(err, &coaErr) {
		return coaErr.Kind
	}
	return "ERROR"
}

// classify turns a reply into nil or a *CoAError.
func classify(op, username string, reply *radius.Packet) error {
	switch reply.Code {
	case radius.CodeCoAACK, radius.CodeDisconnectACK, radius.CodeAccessAccept:
		return nil
	}

	cause := errorCause(reply)
	kind := KindNAK
	switch cause {
	case ErrorCauseSessionContextNotFound:
		kind = KindSessionNotFound
	case ErrorCauseInvalidRequest:
		kind = KindInvalidRequest
	case ErrorCauseMissingAttribute:
		kind = KindMissingAttribute
	}
	return &CoAError{Op: op, Username: username, Kind: kind, Cause: cause, Code: reply.Code}
}

func errorCause(p *radius.Packet) uint32 {
	attr, ok := p.Lookup(AttrErrorCause)
	if !ok {
		return 0
	}
	v, err := radius.Integer(attr)
	if err != nil {
		return 0
	}
	return v
}
