package responses

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
)

// Error is an API error from the Responses endpoint, either on the HTTP
// response or inside the event stream.
type Error struct {
	Type       ErrorType
	Message    string
	Code       string
	Param      string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("responses: %s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("responses: %s: %s", e.Type, e.Message)
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	default:
		return false
	}
}

type errorBody struct {
	Error apiError `json:"error"`
}

// parseError reads an HTTP error response into an *Error
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var parsed errorBody
	if err := sonic.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		return &Error{
			Type:       statusErrorType(resp.StatusCode, ErrProvider),
			Message:    string(body),
			StatusCode: resp.StatusCode,
		}
	}

	return &Error{
		Type:       statusErrorType(resp.StatusCode, errorType(parsed.Error.Type)),
		Message:    parsed.Error.Message,
		Code:       parsed.Error.Code,
		Param:      parsed.Error.Param,
		StatusCode: resp.StatusCode,
	}
}

// streamError converts an in-stream error payload
func streamError(e *apiError) *Error {
	if e == nil {
		return &Error{Type: ErrProvider, Message: "response failed"}
	}
	return &Error{
		Type:    errorType(e.Type),
		Message: e.Message,
		Code:    e.Code,
		Param:   e.Param,
	}
}

func errorType(t string) ErrorType {
	switch t {
	case "invalid_request_error":
		return ErrInvalidRequest
	case "authentication_error":
		return ErrAuthentication
	case "permission_error", "insufficient_quota":
		return ErrPermission
	case "not_found_error":
		return ErrNotFound
	case "rate_limit_error":
		return ErrRateLimit
	case "server_error", "api_error":
		return ErrAPI
	case "overloaded_error", "service_unavailable":
		return ErrOverloaded
	default:
		return ErrProvider
	}
}

// statusErrorType lets the HTTP status override the body's error type
func statusErrorType(status int, fallback ErrorType) ErrorType {
	switch status {
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusServiceUnavailable:
		return ErrOverloaded
	default:
		return fallback
	}
}
