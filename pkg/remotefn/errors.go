package remotefn

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors matched by *Error through errors.Is.
var (
	ErrTransient  = errors.New("service temporarily unavailable")
	ErrRequest    = errors.New("request failed")
	ErrValidation = errors.New("invalid request")
	ErrDecode     = errors.New("decode response")
)

// ErrorKind classifies a failure.
type ErrorKind int

const (
	// KindRequest is a non-success response or a transport failure.
	KindRequest ErrorKind = iota
	// KindTransient is a 503 response that outlasted the retry budget.
	KindTransient
	// KindValidation is synthesized locally without a network call.
	KindValidation
	// KindDecode is a success response whose body could not be decoded.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	default:
		return "request"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindValidation:
		return ErrValidation
	case KindDecode:
		return ErrDecode
	default:
		return ErrRequest
	}
}

// Error describes a failed operation. It is carried by error events and
// returned from Execution.Wait.
type Error struct {
	Kind      ErrorKind
	Operation Operation
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	// Message is the server's errorMessage, or a local description.
	Message string
	// Body is the decoded JSON error body, nil for non-JSON responses.
	Body json.RawMessage

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("operation %q failed", e.Operation)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// errorBody is the service's error document. The dev server and older
// deployments use "error" instead of "errorMessage".
type errorBody struct {
	ErrorMessage string `json:"errorMessage"`
	Error        string `json:"error"`
}

// newResponseError builds an Error from a non-success response body. body
// is nil when the response was not JSON.
func newResponseError(kind ErrorKind, op Operation, status int, body []byte) *Error {
	e := &Error{Kind: kind, Operation: op, Status: status}
	if body == nil {
		return e
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return e
	}
	e.Body = json.RawMessage(body)
	e.Message = eb.ErrorMessage
	if e.Message == "" {
		e.Message = eb.Error
	}
	return e
}

func newValidationError(op Operation, msg string) *Error {
	return &Error{Kind: KindValidation, Operation: op, Status: 400, Message: msg}
}
