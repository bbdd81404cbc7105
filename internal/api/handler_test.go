// Black-box tests: only the exported API of the package is used.
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"alma/backend/internal/api"
	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/interfaces/mocks"
	"alma/backend/internal/model"
	"alma/backend/internal/service"
)

const testOwner = "client:abc"

func setupConversationHandler(t *testing.T) (*api.ConversationHandler, *mocks.MockConversationService) {
	mockSvc := mocks.NewMockConversationService(t)
	return api.NewConversationHandler(mockSvc), mockSvc
}

// addChiURLParams injects URL parameters the way the chi router does.
func addChiURLParams(req *http.Request, params map[string]string) *http.Request {
	chiCtx := chi.NewRouteContext()
	for key, value := range params {
		chiCtx.URLParams.Add(key, value)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chiCtx))
}

// newRequest builds a request already resolved to testOwner.
func newRequest(method, target, body string, params map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req = addChiURLParams(req, params)
	return req.WithContext(api.WithOwner(req.Context(), testOwner))
}

func TestConversationHandler_CreateConversation(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Success without body", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		conv := &model.Conversation{ID: "c1", Title: model.DefaultTitle, CreatedAt: now, UpdatedAt: now}
		mockSvc.On("Create", mock.Anything, testOwner, "").Return(conv, nil).Once()

		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, newRequest(http.MethodPost, "/api/v1/conversations", "", nil))

		assert.Equal(t, http.StatusCreated, rr.Code)
		var got model.Conversation
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "c1", got.ID)
		assert.NotContains(t, rr.Body.String(), testOwner)
	})

	t.Run("Success with title", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("Create", mock.Anything, testOwner, "Ventas").Return(&model.Conversation{ID: "c2", Title: "Ventas"}, nil).Once()

		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, newRequest(http.MethodPost, "/api/v1/conversations", `{"title":"Ventas"}`, nil))

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("Failure - Title too long", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)
		body := `{"title":"` + strings.Repeat("x", 101) + `"}`

		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, newRequest(http.MethodPost, "/api/v1/conversations", body, nil))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'title' failed on the 'max' tag")
	})

	t.Run("Failure - No owner", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)

		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestConversationHandler_ListConversations(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		expected := []model.Conversation{{ID: "c2", Title: "B"}, {ID: "c1", Title: "A"}}
		mockSvc.On("List", mock.Anything, testOwner).Return(expected, nil).Once()

		rr := httptest.NewRecorder()
		handler.ListConversations(rr, newRequest(http.MethodGet, "/api/v1/conversations", "", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var got []model.Conversation
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "c2", got[0].ID)
	})

	t.Run("Failure - Service returns error", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("List", mock.Anything, testOwner).Return(nil, errors.New("redis down")).Once()

		rr := httptest.NewRecorder()
		handler.ListConversations(rr, newRequest(http.MethodGet, "/api/v1/conversations", "", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "internal server error")
		assert.NotContains(t, rr.Body.String(), "redis")
	})
}

func TestConversationHandler_GetMessages(t *testing.T) {
	params := map[string]string{"id": "c1"}

	t.Run("Success", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		result := &model.ConversationMessages{
			Conversation: model.Conversation{ID: "c1"},
			Messages:     []model.Message{{Role: model.RoleUser, Content: "hola"}},
		}
		mockSvc.On("GetMessages", mock.Anything, testOwner, "c1").Return(result, nil).Once()

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/conversations/c1/messages", "", params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"content":"hola"`)
	})

	t.Run("Failure - Not Found", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("GetMessages", mock.Anything, testOwner, "c1").Return(nil, app_errors.ErrNotFound).Once()

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/conversations/c1/messages", "", params))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestConversationHandler_GetHistory(t *testing.T) {
	params := map[string]string{"id": "c1"}

	t.Run("Default limit", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("GetHistory", mock.Anything, testOwner, "c1", 0).Return([]model.Message{}, nil).Once()

		rr := httptest.NewRecorder()
		handler.GetHistory(rr, newRequest(http.MethodGet, "/api/v1/conversations/c1/history", "", params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("Explicit limit", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("GetHistory", mock.Anything, testOwner, "c1", 5).Return([]model.Message{{Role: model.RoleAssistant, Content: "x"}}, nil).Once()

		rr := httptest.NewRecorder()
		handler.GetHistory(rr, newRequest(http.MethodGet, "/api/v1/conversations/c1/history?limit=5", "", params))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Bad limit", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)

		rr := httptest.NewRecorder()
		handler.GetHistory(rr, newRequest(http.MethodGet, "/api/v1/conversations/c1/history?limit=abc", "", params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestConversationHandler_SendMessage(t *testing.T) {
	params := map[string]string{"id": "c1"}
	body := `{"content":"Hola Alma","clientMessageId":"m-1"}`
	expectedReq := service.SendMessageRequest{Content: "Hola Alma", ClientMessageID: "m-1"}

	t.Run("Success", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("SendMessage", mock.Anything, testOwner, "c1", expectedReq).Return(&service.SendMessageResult{
			ConversationID: "c1", Content: "¡Hola!", Source: "primary", Provider: "openai",
		}, nil).Once()

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body, params))

		assert.Equal(t, http.StatusOK, rr.Code)
		var got api.SendMessageResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "¡Hola!", got.Content)
		assert.Equal(t, "primary", got.Source)
		assert.Equal(t, "openai", got.Provider)
		assert.False(t, got.Replayed)
	})

	t.Run("Replayed duplicate", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("SendMessage", mock.Anything, testOwner, "c1", expectedReq).Return(&service.SendMessageResult{
			ConversationID: "c1", Content: "¡Hola!", Replayed: true,
		}, nil).Once()

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body, params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"replayed":true`)
	})

	t.Run("Pending duplicate", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("SendMessage", mock.Anything, testOwner, "c1", expectedReq).Return(&service.SendMessageResult{
			ConversationID: "c1", Pending: true,
		}, nil).Once()

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body, params))

		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.JSONEq(t, `{"pending":true}`, rr.Body.String())
	})

	t.Run("Failure - Missing clientMessageId", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"hola"}`, params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'clientMessageId' failed on the 'required' tag")
	})

	t.Run("Failure - Bad JSON", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":`, params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - Store unavailable", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("SendMessage", mock.Anything, testOwner, "c1", expectedReq).Return(nil, app_errors.ErrUnavailable).Once()

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body, params))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "clientMessageId")
	})

	t.Run("Failure - All providers failed", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("SendMessage", mock.Anything, testOwner, "c1", expectedReq).
			Return(nil, errors.Join(app_errors.ErrInternal, errors.New("openai: status 500"))).Once()

		rr := httptest.NewRecorder()
		handler.SendMessage(rr, newRequest(http.MethodPost, "/api/v1/conversations/c1/messages", body, params))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "openai")
	})
}

func TestConversationHandler_UpdateTitle(t *testing.T) {
	params := map[string]string{"id": "c1"}

	t.Run("Success", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("UpdateTitle", mock.Anything, testOwner, "c1", "Mi tienda").Return(nil).Once()

		rr := httptest.NewRecorder()
		handler.UpdateTitle(rr, newRequest(http.MethodPut, "/api/v1/conversations/c1/title", `{"title":"Mi tienda"}`, params))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Validation Error (empty title)", func(t *testing.T) {
		handler, _ := setupConversationHandler(t)

		rr := httptest.NewRecorder()
		handler.UpdateTitle(rr, newRequest(http.MethodPut, "/api/v1/conversations/c1/title", `{"title":""}`, params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'title' failed on the 'required' tag")
	})

	t.Run("Failure - Not Found", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("UpdateTitle", mock.Anything, testOwner, "c1", "X").Return(app_errors.ErrNotFound).Once()

		rr := httptest.NewRecorder()
		handler.UpdateTitle(rr, newRequest(http.MethodPut, "/api/v1/conversations/c1/title", `{"title":"X"}`, params))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestConversationHandler_DeleteConversation(t *testing.T) {
	params := map[string]string{"id": "c1"}

	t.Run("Success", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("Delete", mock.Anything, testOwner, "c1").Return(nil).Once()

		rr := httptest.NewRecorder()
		handler.DeleteConversation(rr, newRequest(http.MethodDelete, "/api/v1/conversations/c1", "", params))

		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("Failure - Not Found", func(t *testing.T) {
		handler, mockSvc := setupConversationHandler(t)
		mockSvc.On("Delete", mock.Anything, testOwner, "c1").Return(app_errors.ErrNotFound).Once()

		rr := httptest.NewRecorder()
		handler.DeleteConversation(rr, newRequest(http.MethodDelete, "/api/v1/conversations/c1", "", params))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
