package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

// MockEventBroadcaster is a mock implementation of ports.EventBroadcaster
type MockEventBroadcaster struct {
	mock.Mock
}

func NewMockEventBroadcaster() *MockEventBroadcaster {
	return &MockEventBroadcaster{}
}

func (m *MockEventBroadcaster) Broadcast(env domain.ChangeEnvelope) error {
	args := m.Called(env)
	return args.Error(0)
}
