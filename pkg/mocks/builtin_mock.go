package mocks

import (
	"context"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/stretchr/testify/mock"
)

// MockNotifier is a mock implementation of builtin.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, notification builtin.Notification) (string, error) {
	args := m.Called(ctx, notification)

	return args.String(0), args.Error(1)
}

// MockSubtaskExecutor is a mock implementation of builtin.SubtaskExecutor interface.
type MockSubtaskExecutor struct {
	mock.Mock
}

func (m *MockSubtaskExecutor) ExecuteSubtask(ctx context.Context, objectType, objectID string, params map[string]any) (string, error) {
	args := m.Called(ctx, objectType, objectID, params)

	return args.String(0), args.Error(1)
}
