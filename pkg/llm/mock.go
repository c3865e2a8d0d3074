package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are returned in order;
// when the script runs out the last entry repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     []Request
	model     string
}

// NewMockClient creates a mock client with the given scripted responses.
func NewMockClient(responses ...Response) *MockClient {
	return &MockClient{responses: responses, model: "mock-model"}
}

// QueueResponse appends a successful scripted response.
func (m *MockClient) QueueResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, Response{Content: content})
	m.errs = append(m.errs, nil)
}

// QueueError appends a scripted failure.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, Response{})
	m.errs = append(m.errs, err)
}

// Complete implements Client, replaying the script.
func (m *MockClient) Complete(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < 0 {
		return Response{Content: ""}, nil
	}
	if idx < len(m.errs) && m.errs[idx] != nil {
		return Response{}, m.errs[idx]
	}
	return m.responses[idx], nil
}

// ModelName implements Client.
func (m *MockClient) ModelName() string { return m.model }

// Calls returns a copy of all requests the mock has seen.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}

// CallCount returns the number of Complete invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
