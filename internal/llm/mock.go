package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock replays a fixed sequence of replies, one per query. It backs
// deterministic tests and dry runs.
type Mock struct {
	mu        sync.Mutex
	responses []string
	next      int

	prompts []string
}

// NewMock builds a mock backend over the configured responses.
func NewMock(responses []string) *Mock {
	return &Mock{responses: append([]string{}, responses...)}
}

// Query returns the next canned response. Exhausting the sequence is an
// error: a runaway loop in a mock run should fail loudly, not hang.
func (m *Mock) Query(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.next >= len(m.responses) {
		return "", fmt.Errorf("mock responses exhausted after %d queries", m.next)
	}
	resp := m.responses[m.next]
	m.next++
	return resp, nil
}

// Prompts returns the prompts observed so far, for tests.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.prompts...)
}
