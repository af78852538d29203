package model

import (
	"context"
	"sync"
)

// MockAdapter is a deterministic test double for Adapter: no network calls,
// configurable responses, call history, and error injection.
type MockAdapter struct {
	// Responses is returned in order, one per Generate call. Once exhausted,
	// the last response repeats.
	Responses []Response

	// StreamChunks is returned in order for each GenerateStream call.
	StreamChunks []Chunk

	// Err, if set, is returned instead of a response.
	Err error

	Calls []Request

	mu    sync.Mutex
	index int
}

func (m *MockAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.index
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.index++
	}
	return m.Responses[idx], nil
}

func (m *MockAdapter) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	err := m.Err
	chunks := make([]Chunk, len(m.StreamChunks))
	copy(chunks, m.StreamChunks)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// Reset clears call history, for reuse across subtests.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}

func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
