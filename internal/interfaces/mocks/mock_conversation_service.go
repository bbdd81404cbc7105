package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"alma/backend/internal/model"
	"alma/backend/internal/service"
)

// MockConversationService is a testify mock of interfaces.ConversationService.
type MockConversationService struct {
	mock.Mock
}

func (_m *MockConversationService) Create(ctx context.Context, owner, title string) (*model.Conversation, error) {
	ret := _m.Called(ctx, owner, title)

	var r0 *model.Conversation
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.Conversation)
	}
	return r0, ret.Error(1)
}

func (_m *MockConversationService) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	ret := _m.Called(ctx, owner)

	var r0 []model.Conversation
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.Conversation)
	}
	return r0, ret.Error(1)
}

func (_m *MockConversationService) GetMessages(ctx context.Context, owner, conversationID string) (*model.ConversationMessages, error) {
	ret := _m.Called(ctx, owner, conversationID)

	var r0 *model.ConversationMessages
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.ConversationMessages)
	}
	return r0, ret.Error(1)
}

func (_m *MockConversationService) GetHistory(ctx context.Context, owner, conversationID string, limit int) ([]model.Message, error) {
	ret := _m.Called(ctx, owner, conversationID, limit)

	var r0 []model.Message
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.Message)
	}
	return r0, ret.Error(1)
}

func (_m *MockConversationService) SendMessage(ctx context.Context, owner, conversationID string, req service.SendMessageRequest) (*service.SendMessageResult, error) {
	ret := _m.Called(ctx, owner, conversationID, req)

	var r0 *service.SendMessageResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*service.SendMessageResult)
	}
	return r0, ret.Error(1)
}

func (_m *MockConversationService) UpdateTitle(ctx context.Context, owner, conversationID, title string) error {
	ret := _m.Called(ctx, owner, conversationID, title)
	return ret.Error(0)
}

func (_m *MockConversationService) Delete(ctx context.Context, owner, conversationID string) error {
	ret := _m.Called(ctx, owner, conversationID)
	return ret.Error(0)
}

// NewMockConversationService creates a mock whose expectations are
// asserted when the test ends.
func NewMockConversationService(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockConversationService {
	m := &MockConversationService{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockHealthChecker is a testify mock of interfaces.HealthChecker.
type MockHealthChecker struct {
	mock.Mock
}

func (_m *MockHealthChecker) Ping(ctx context.Context) error {
	ret := _m.Called(ctx)
	return ret.Error(0)
}

func NewMockHealthChecker(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockHealthChecker {
	m := &MockHealthChecker{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
