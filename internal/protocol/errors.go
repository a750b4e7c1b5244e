// ABOUTME: Protocol error codes and the RemoteError type surfaced to command callers
// ABOUTME: Each code carries a default recoverable flag used when the server omits one

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable failure category shared by client and gateway.
type ErrorCode string

const (
	CodeAgentTimeout       ErrorCode = "AGENT_TIMEOUT"
	CodeAgentError         ErrorCode = "AGENT_ERROR"
	CodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthExpired        ErrorCode = "AUTH_EXPIRED"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Recoverable returns the default recoverable flag for the code.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeAgentTimeout, CodeRateLimit, CodeServiceUnavailable:
		return true
	}
	return false
}

// ErrorPayload is the body of error envelopes and of request.failed.error.
type ErrorPayload struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewError builds an ErrorPayload using the code's default recoverable flag.
func NewError(code ErrorCode, format string, args ...any) ErrorPayload {
	return ErrorPayload{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: code.Recoverable(),
	}
}

// RemoteError is a failure reported by the server for a specific command.
type RemoteError struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
	RequestID   string
}

func (e *RemoteError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsRemote converts a payload into a RemoteError.
func (p ErrorPayload) AsRemote(requestID string) *RemoteError {
	return &RemoteError{
		Code:        p.Code,
		Message:     p.Message,
		Recoverable: p.Recoverable,
		RequestID:   requestID,
	}
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}
