package generate

import (
	"context"
	"sync"
)

// MockCapability is a scripted Capability for tests. Queued results and
// errors are consumed in order; the last entry repeats once the script is
// exhausted. The zero value returns an empty Result forever.
type MockCapability struct {
	mu     sync.Mutex
	script []scriptEntry
	pos    int
	calls  []Request
}

type scriptEntry struct {
	result Result
	err    error
}

// QueueResult appends a successful generation to the script.
func (m *MockCapability) QueueResult(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptEntry{result: res})
}

// QueueCode is QueueResult for the common case of code with no duration.
func (m *MockCapability) QueueCode(code string) {
	m.QueueResult(Result{Code: code})
}

// QueueError appends a failed generation to the script.
func (m *MockCapability) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptEntry{err: err})
}

func (m *MockCapability) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.script) == 0 {
		return Result{}, nil
	}
	entry := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	return entry.result, entry.err
}

// Calls returns a copy of every request seen so far.
func (m *MockCapability) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Generate has been invoked.
func (m *MockCapability) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ Capability = (*MockCapability)(nil)
