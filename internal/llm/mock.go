package llm

import (
	"context"
	"fmt"
	"sync"
)

// Turn is one scripted mock exchange.
type Turn struct {
	Response  *Response
	Err       error
	Truncated bool
}

// Mock is a scripted client for tests: it replays queued turns in order and
// records every request it receives.
type Mock struct {
	mu       sync.Mutex
	turns    []Turn
	Requests []Request
}

// NewMock builds a mock client from scripted turns.
func NewMock(turns ...Turn) *Mock {
	return &Mock{turns: turns}
}

// Text queues a plain successful response.
func Text(content string) Turn {
	return Turn{Response: &Response{Content: content}}
}

// TruncatedText queues a response flagged as cut off by the length cap.
func TruncatedText(content string) Turn {
	return Turn{Response: &Response{Content: content, Truncated: true}}
}

// Fail queues a transport failure.
func Fail(err error) Turn {
	return Turn{Err: err}
}

// Enqueue appends more turns to the script.
func (m *Mock) Enqueue(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

func (m *Mock) Model() string { return "mock" }

func (m *Mock) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if len(m.turns) == 0 {
		return nil, fmt.Errorf("mock script exhausted after %d requests", len(m.Requests))
	}

	turn := m.turns[0]
	m.turns = m.turns[1:]
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Response, nil
}
