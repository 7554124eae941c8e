package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewDatabaseError wraps a failed offline cache operation.
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewAPIError classifies a non-2xx response of the chat backend. Server errors,
// throttling and request timeouts are retryable; rejected credentials get their
// own codes so callers can tell them from bad requests.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	code := ErrCodeChatAPI
	switch statusCode {
	case http.StatusUnauthorized:
		code = ErrCodeAuthentication
	case http.StatusForbidden:
		code = ErrCodeAuthorization
	}

	appErr := Wrap(err, code, fmt.Sprintf("chat API call to %s failed", endpoint)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	if code != ErrCodeChatAPI {
		appErr.UserMessage = "The chat backend rejected the credentials"
	}
	return appErr
}

// NewNetworkError creates a retryable error for transport failures and offline state
func NewNetworkError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeNetworkUnavailable, fmt.Sprintf("%s: network unavailable", operation)).
		WithContext("operation", operation).
		WithUserMessage("No connection, changes will sync when back online")
}

// NewQueryInProgressError signals that a query in the same direction is already running
func NewQueryInProgressError(cid, direction string) *AppError {
	return New(ErrCodeQueryInProgress, fmt.Sprintf("%s query already in progress", direction)).
		WithContext("cid", cid).
		WithContext("direction", direction)
}

// NewChannelDeletedError rejects mutations on a deleted channel
func NewChannelDeletedError(cid string) *AppError {
	return New(ErrCodeChannelDeleted, "channel was deleted").
		WithContext("cid", cid).
		WithUserMessage("This channel no longer exists")
}

func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to the status of the debug API.
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeQueryInProgress, ErrCodeChannelDeleted:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAuthentication, ErrCodeAuthorization:
		// the backend refused us, not the caller of the debug API
		return http.StatusBadGateway
	case ErrCodeChatAPI, ErrCodeRealtime:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeNetworkUnavailable, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body of the debug API.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode              `json:"code"`
		Message string                 `json:"message"`
		Context map[string]interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// sensitiveContext never leaves the process in a response body.
var sensitiveContext = map[string]bool{"token": true, "secret": true, "api_key": true, "value": true}

// ToHTTPResponse converts an error to the debug API error body.
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)

	appErr, ok := As(err)
	if !ok {
		return response
	}
	for k, v := range appErr.Context {
		if sensitiveContext[k] {
			continue
		}
		if response.Error.Context == nil {
			response.Error.Context = make(map[string]interface{})
		}
		response.Error.Context[k] = v
	}
	return response
}
