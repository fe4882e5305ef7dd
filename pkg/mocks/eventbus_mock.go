package mocks

import (
	"context"
	"sync"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
// Published events are also kept in order for inspection.
type MockEventBus struct {
	mock.Mock

	mu        sync.Mutex
	published []eventbus.Event
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	m.mu.Unlock()

	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// Published returns the events of eventType published so far.
func (m *MockEventBus) Published(eventType events.EventType) []eventbus.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []eventbus.Event

	for _, event := range m.published {
		if event.GetType() == eventType {
			result = append(result, event)
		}
	}

	return result
}
