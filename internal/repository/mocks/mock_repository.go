package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"alma/backend/internal/model"
)

// MockRepository is a testify mock of repository.Repository.
type MockRepository struct {
	mock.Mock
}

func (_m *MockRepository) Ping(ctx context.Context) error {
	ret := _m.Called(ctx)
	return ret.Error(0)
}

func (_m *MockRepository) Append(ctx context.Context, conversationID string, msg *model.Message) error {
	ret := _m.Called(ctx, conversationID, msg)
	if rf, ok := ret.Get(0).(func(context.Context, string, *model.Message) error); ok {
		return rf(ctx, conversationID, msg)
	}
	return ret.Error(0)
}

func (_m *MockRepository) AppendIfAbsent(ctx context.Context, conversationID string, msg *model.Message) (bool, *model.Message, error) {
	ret := _m.Called(ctx, conversationID, msg)

	var r0 bool
	if rf, ok := ret.Get(0).(func(context.Context, string, *model.Message) bool); ok {
		r0 = rf(ctx, conversationID, msg)
	} else {
		r0 = ret.Bool(0)
	}

	var r1 *model.Message
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(*model.Message)
	}

	return r0, r1, ret.Error(2)
}

func (_m *MockRepository) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*model.Message, error) {
	ret := _m.Called(ctx, conversationID, clientMessageID)

	var r0 *model.Message
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.Message)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	ret := _m.Called(ctx, conversationID, limit)

	var r0 []model.Message
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.Message)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) Trim(ctx context.Context, conversationID string, maxMessages int) error {
	ret := _m.Called(ctx, conversationID, maxMessages)
	return ret.Error(0)
}

func (_m *MockRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	ret := _m.Called(ctx, conversationID)
	return ret.Error(0)
}

func (_m *MockRepository) Upsert(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error) {
	ret := _m.Called(ctx, owner, conversationID, derivedTitle, at)

	var r0 *model.Conversation
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.Conversation)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) Get(ctx context.Context, owner, conversationID string) (*model.Conversation, error) {
	ret := _m.Called(ctx, owner, conversationID)

	var r0 *model.Conversation
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.Conversation)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	ret := _m.Called(ctx, owner)

	var r0 []model.Conversation
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.Conversation)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) SetTitle(ctx context.Context, owner, conversationID, title string, at time.Time) error {
	ret := _m.Called(ctx, owner, conversationID, title, at)
	return ret.Error(0)
}

func (_m *MockRepository) Remove(ctx context.Context, owner, conversationID string) error {
	ret := _m.Called(ctx, owner, conversationID)
	return ret.Error(0)
}

// NewMockRepository creates a MockRepository whose expectations are
// asserted when the test ends.
func NewMockRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockRepository {
	m := &MockRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
