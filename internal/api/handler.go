package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/interfaces"
	"alma/backend/internal/service"
)

// ConversationHandler handles HTTP requests for conversations and messages.
type ConversationHandler struct {
	service interfaces.ConversationService
}

// NewConversationHandler creates a new handler.
func NewConversationHandler(svc interfaces.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: svc}
}

// decodeJSON reads a request body into dst. An empty body is accepted
// when allowEmpty is set.
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	default:
		return fmt.Errorf("%w: invalid request body", app_errors.ErrValidation)
	}
}

// ownerOf returns the owner resolved by OwnerMiddleware.
func ownerOf(r *http.Request) (string, error) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		return "", fmt.Errorf("%w: missing owner", app_errors.ErrUnauthenticated)
	}
	return owner, nil
}

// CreateConversation godoc
// @Summary      Create a conversation
// @Description  Starts an empty conversation for the caller. The title is optional; a placeholder is used and later replaced by one derived from the first message.
// @Tags         Conversations
// @Accept       json
// @Produce      json
// @Param        X-Client-Id  header  string                     false  "Anonymous client id (client scope)"
// @Param        request      body    CreateConversationRequest  false  "Optional title"
// @Success      201  {object}  model.Conversation
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/conversations [post]
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req CreateConversationRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondWithError(w, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}

	conv, err := h.service.Create(r.Context(), owner, req.Title)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, conv)
}

// ListConversations godoc
// @Summary      List conversations
// @Description  Returns the caller's conversations, most recently updated first.
// @Tags         Conversations
// @Produce      json
// @Param        X-Client-Id  header  string  false  "Anonymous client id (client scope)"
// @Success      200  {array}   model.Conversation
// @Failure      401  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/conversations [get]
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), owner)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

// GetMessages godoc
// @Summary      Get conversation messages
// @Description  Returns the conversation and its stored messages in chronological order.
// @Tags         Messages
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  model.ConversationMessages
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{id}/messages [get]
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	result, err := h.service.GetMessages(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// GetHistory godoc
// @Summary      Get the history window
// @Description  Returns the newest messages of a conversation, oldest first. This is the window the model sees.
// @Tags         Messages
// @Produce      json
// @Param        id     path   string  true   "Conversation ID"
// @Param        limit  query  int     false  "Number of messages (default 24, max 200)"
// @Success      200  {array}   model.Message
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{id}/history [get]
func (h *ConversationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, fmt.Errorf("%w: limit must be a non-negative integer", app_errors.ErrValidation))
			return
		}
	}
	history, err := h.service.GetHistory(r.Context(), owner, chi.URLParam(r, "id"), limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

// SendMessage godoc
// @Summary      Send a message
// @Description  Stores the user message and returns the assistant reply. Resubmitting the same clientMessageId returns the original reply, or 202 with pending=true while it is still being generated. Unknown conversation ids are created for the caller.
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        id       path  string              true  "Conversation ID"
// @Param        request  body  SendMessageRequest  true  "Message content and idempotency key"
// @Success      200  {object}  SendMessageResponse
// @Success      202  {object}  PendingResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /v1/conversations/{id}/messages [post]
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req SendMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.service.SendMessage(r.Context(), owner, chi.URLParam(r, "id"), service.SendMessageRequest{
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	if result.Pending {
		respondWithJSON(w, http.StatusAccepted, PendingResponse{Pending: true})
		return
	}
	respondWithJSON(w, http.StatusOK, SendMessageResponse{
		ConversationID: result.ConversationID,
		Content:        result.Content,
		Source:         result.Source,
		Provider:       result.Provider,
		Replayed:       result.Replayed,
	})
}

// UpdateTitle godoc
// @Summary      Rename a conversation
// @Description  Sets a user-chosen title. Derived titles never overwrite it.
// @Tags         Conversations
// @Accept       json
// @Produce      json
// @Param        id       path  string              true  "Conversation ID"
// @Param        request  body  UpdateTitleRequest  true  "New title"
// @Success      200  {object}  StatusResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{id}/title [put]
func (h *ConversationHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req UpdateTitleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondWithError(w, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.service.UpdateTitle(r.Context(), owner, chi.URLParam(r, "id"), req.Title); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// DeleteConversation godoc
// @Summary      Delete a conversation
// @Description  Deletes the conversation and all of its messages.
// @Tags         Conversations
// @Param        id  path  string  true  "Conversation ID"
// @Success      204  "No Content"
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{id} [delete]
func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
