package rpc

import (
	"errors"
	"fmt"
)

// Error names carried on the wire in error.name.
const (
	NameValidation      = "ValidationError"
	NameServiceNotFound = "ServiceNotFoundError"
	NameMethodNotFound  = "MethodNotFoundError"
	NameRegistration    = "RegistrationError"
	NameAuthentication  = "AuthenticationError"
	NameHandler         = "HandlerError"
	NameTransport       = "TransportError"
	NameUnknown         = "UnknownError"
)

const defaultErrorMessage = "Unknown server error"

// Sentinels for errors.Is. Matching is by Name only.
var (
	ErrValidation      = &Error{Name: NameValidation, Code: 400}
	ErrServiceNotFound = &Error{Name: NameServiceNotFound, Code: 404}
	ErrMethodNotFound  = &Error{Name: NameMethodNotFound, Code: 404}
	ErrRegistration    = &Error{Name: NameRegistration, Code: 500}
	ErrAuthentication  = &Error{Name: NameAuthentication, Code: 401}
	ErrHandler         = &Error{Name: NameHandler, Code: 500}
	ErrTransport       = &Error{Name: NameTransport, Code: 500}
)

// Error is a structured error that maps onto the error body of a response.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Err)
	}
	return e.Name + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Name == e.Name
}

// StatusCoder lets handler errors choose the code sent to the client.
type StatusCoder interface {
	StatusCode() int
}

// NewError creates an Error with a formatted message.
func NewError(name string, code int, format string, args ...any) *Error {
	return &Error{Name: name, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(msg string) *Error {
	return &Error{Name: NameValidation, Code: 400, Message: msg}
}

func registrationError(format string, args ...any) *Error {
	return NewError(NameRegistration, 500, format, args...)
}

// HandlerError wraps a failure raised by a hook or a service method.
func HandlerError(err error) *Error {
	return &Error{Name: NameHandler, Code: 500, Message: err.Error(), Err: err}
}

// ErrorBody is the error member of a response envelope.
type ErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ToErrorBody converts any error into the client-facing shape.
// A nil error yields the generic unknown error.
func ToErrorBody(err error) *ErrorBody {
	body := &ErrorBody{Name: NameUnknown, Message: defaultErrorMessage, Code: 500}
	if err == nil {
		return body
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Name != "" {
			body.Name = rpcErr.Name
		}
		if rpcErr.Message != "" {
			body.Message = rpcErr.Message
		}
		if rpcErr.Code != 0 {
			body.Code = rpcErr.Code
		}
	} else {
		body.Name = NameHandler
		if msg := err.Error(); msg != "" {
			body.Message = msg
		}
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		body.Code = sc.StatusCode()
	}
	return body
}
