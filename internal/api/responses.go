package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	app_errors "alma/backend/internal/errors"
)

// Shared DTOs for API requests and responses, and the helpers that write
// them.

// ErrorResponse defines the standard JSON structure for error messages.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse defines a generic success response for operations that
// don't return a resource.
type StatusResponse struct {
	Status string `json:"status"`
}

// CreateConversationRequest is the optional body of POST /conversations.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=100" example:"Plan de negocio"`
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
// ClientMessageID is the idempotency key: resubmitting the same id never
// produces a second reply.
type SendMessageRequest struct {
	Content         string `json:"content" validate:"required,max=8000" example:"Hola Alma, necesito ayuda con mi negocio online"`
	ClientMessageID string `json:"clientMessageId" validate:"required,max=128" example:"3f1c2a9e-7d4b-4f7a-9a51-0f3b2c1d4e5f"`
}

// SendMessageResponse carries the assistant reply.
type SendMessageResponse struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Source         string `json:"source,omitempty" example:"primary"`
	Provider       string `json:"provider,omitempty" example:"openai"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// PendingResponse is returned with 202 when a duplicate submission is
// still being answered by the original request.
type PendingResponse struct {
	Pending bool `json:"pending"`
}

// UpdateTitleRequest is the DTO for the manual title update endpoint.
type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,min=1,max=100" example:"Mi tienda online"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string    `json:"status"`
	Store  string    `json:"store"`
	Time   time.Time `json:"time"`
}

// respondWithError maps business-layer errors to HTTP status codes and
// writes a standard JSON error response.
func respondWithError(w http.ResponseWriter, err error) {
	var statusCode int
	var message string

	switch {
	case errors.Is(err, app_errors.ErrNotFound):
		statusCode = http.StatusNotFound
		message = "The requested resource was not found."
	case errors.Is(err, app_errors.ErrValidation):
		statusCode = http.StatusBadRequest
		// Validation messages are already user-safe.
		message = err.Error()
	case errors.Is(err, app_errors.ErrUnauthenticated):
		statusCode = http.StatusUnauthorized
		message = err.Error()
	case errors.Is(err, app_errors.ErrConflict):
		statusCode = http.StatusConflict
		message = "A conflict occurred with the current state of the resource."
	case errors.Is(err, app_errors.ErrPermission):
		statusCode = http.StatusForbidden
		message = "You do not have permission to perform this action."
	case errors.Is(err, app_errors.ErrUnavailable):
		statusCode = http.StatusServiceUnavailable
		message = "The service is temporarily unavailable. Retry with the same clientMessageId."
	default:
		// Never leak implementation details to the client.
		statusCode = http.StatusInternalServerError
		message = "An unexpected internal server error occurred."
	}

	slog.Warn("Responding with error", "status_code", statusCode, "client_message", message, "internal_error", err)

	respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondWithJSON marshals payload and writes it with the given status code.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}
