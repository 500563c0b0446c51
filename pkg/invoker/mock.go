package invoker

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures a single response from MockBackend.
type MockResponse struct {
	Completion Completion
	Error      error
}

// MockBackend is a configurable Backend for tests. Responses are returned
// in order; once exhausted, the last one repeats.
type MockBackend struct {
	name string

	mu        sync.Mutex
	responses []MockResponse
	next      int
	calls     []Call
	// Gate, when set, blocks each call until it is closed or receives.
	Gate chan struct{}
}

// NewMockBackend creates a MockBackend.
func NewMockBackend(name string, responses ...MockResponse) *MockBackend {
	return &MockBackend{name: name, responses: responses}
}

func (m *MockBackend) Name() string { return m.name }

func (m *MockBackend) Complete(ctx context.Context, call Call) (Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	gate := m.Gate
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return Completion{}, fmt.Errorf("mock: no responses configured")
	}
	idx := m.next
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.next++
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	return resp.Completion, resp.Error
}

// Calls returns a copy of every call received.
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}
