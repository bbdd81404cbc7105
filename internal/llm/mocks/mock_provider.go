package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"alma/backend/internal/llm"
)

// MockProvider is a testify mock of llm.Provider.
type MockProvider struct {
	mock.Mock
}

func (_m *MockProvider) Name() string {
	ret := _m.Called()
	return ret.String(0)
}

func (_m *MockProvider) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	ret := _m.Called(ctx, messages, opts)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, []llm.Message, llm.Options) string); ok {
		r0 = rf(ctx, messages, opts)
	} else {
		r0 = ret.String(0)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, []llm.Message, llm.Options) error); ok {
		r1 = rf(ctx, messages, opts)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}

// NewMockProvider creates a MockProvider whose expectations are asserted
// when the test ends.
func NewMockProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockProvider {
	m := &MockProvider{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
