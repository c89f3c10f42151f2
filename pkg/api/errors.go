// Package api provides the HTTP interface of the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// Error codes
const (
	ErrNotConnected   = "NOT_CONNECTED"
	ErrDeliveryFailed = "DELIVERY_FAILED"
	ErrRateLimited    = "RATE_LIMITED"
	ErrInvalidInput   = "INVALID_INPUT"
	ErrNotFound       = "NOT_FOUND"
	ErrBusy           = "BUSY"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL_ERROR"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Retry   bool   `json:"retry"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotConnectedError creates an error for sends attempted without a connection.
func NewNotConnectedError(err error) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    ErrNotConnected,
		Message: err.Error(),
		Retry:   true,
	}
}

// NewDeliveryFailedError creates an error for messages the network refused.
func NewDeliveryFailedError(err error) *APIError {
	return &APIError{
		Status:  http.StatusBadGateway,
		Code:    ErrDeliveryFailed,
		Message: err.Error(),
		Retry:   true,
	}
}

// NewRateLimitedError creates an error for sends over the recipient limit.
func NewRateLimitedError(recipient string) *APIError {
	return &APIError{
		Status:  http.StatusTooManyRequests,
		Code:    ErrRateLimited,
		Message: fmt.Sprintf("Too many messages to %s, try again later", recipient),
		Retry:   true,
	}
}

// NewInvalidInputError creates an error for invalid input.
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    ErrInvalidInput,
		Message: message,
	}
}

// NewNotFoundError creates an error for not found resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    ErrNotFound,
		Message: fmt.Sprintf("Resource not found: %s", resource),
	}
}

// NewInternalError creates an error for internal errors.
func NewInternalError(err error) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    ErrInternal,
		Message: fmt.Sprintf("Internal error: %s", err.Error()),
	}
}

// fromError maps gateway errors onto API errors.
func fromError(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, store.ErrNotFound):
		return NewNotFoundError("session")
	case errors.Is(err, bridge.ErrNotConnected):
		return NewNotConnectedError(err)
	case errors.Is(err, bridge.ErrDeliveryFailed):
		return NewDeliveryFailedError(err)
	case errors.Is(err, bridge.ErrDisconnecting):
		return &APIError{Status: http.StatusConflict, Code: ErrBusy, Message: err.Error(), Retry: true}
	case errors.Is(err, bridge.ErrClosed):
		return &APIError{Status: http.StatusServiceUnavailable, Code: ErrUnavailable, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Status: http.StatusGatewayTimeout, Code: ErrUnavailable, Message: err.Error(), Retry: true}
	default:
		return NewInternalError(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := fromError(err)
	writeJSON(w, apiErr.Status, apiErr)
}
