package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrCircuitOpen         = errors.New("provider circuit open")
)

// Provider error codes. Codes not listed as permanent are retried.
const (
	CodeInvalidNumber    = "INVALID_NUMBER"
	CodeBlocked          = "BLOCKED"
	CodeInvalidContent   = "INVALID_CONTENT"
	CodeOperatorRejected = "OPERATOR_REJECTED"
	CodeNetworkError     = "NETWORK_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "UNAVAILABLE"
)

var permanentCodes = map[string]bool{
	CodeInvalidNumber:    true,
	CodeBlocked:          true,
	CodeInvalidContent:   true,
	CodeOperatorRejected: true,
}

var transientCodes = map[string]bool{
	CodeNetworkError: true,
	CodeTimeout:      true,
	CodeRateLimited:  true,
	CodeUnavailable:  true,
}

// PermanentError is a provider rejection that will fail again if retried.
type PermanentError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider rejected (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// TransientError is a failure worth retrying: timeouts, network errors,
// throttling and provider side 5xx.
type TransientError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider unavailable (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("provider unavailable (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify maps an HTTP status and provider error code to an error kind.
// Known codes win over the status; an unknown code on a 2xx is retried.
func classify(statusCode int, code, message string) error {
	switch {
	case permanentCodes[code]:
		return &PermanentError{StatusCode: statusCode, Code: code, Message: message}
	case transientCodes[code], statusCode == 429, statusCode >= 500:
		return &TransientError{StatusCode: statusCode, Code: code, Message: message}
	case statusCode >= 400:
		return &PermanentError{StatusCode: statusCode, Code: code, Message: message}
	}
	return &TransientError{StatusCode: statusCode, Code: code, Message: message}
}
