// Package model defines the reasoning-backend contract the executor
// drives: a normalized request in, assistant text out. The runtime is
// deliberately backend-agnostic; adapters for concrete providers live
// in the subpackages.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one turn of a node's conversation with the backend.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is the normalized backend input for one turn.
type Request struct {
	// Instructions carries the agent-type system prompt.
	Instructions string `json:"instructions"`
	// Messages is the node's conversation so far, oldest first.
	Messages []Message `json:"messages"`
}

// TokenUsage captures token accounting when the provider reports it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the backend's reply for one turn.
type Response struct {
	Text  string      `json:"text"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// Info describes a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Model is the minimal interface the executor needs from a reasoning
// backend. Generate must honor ctx cancellation; callers wanting hard
// wall-clock limits on a single turn wrap ctx with a deadline.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Info() Info
}

// MockModel is an in-memory Model for tests and examples. Replies can
// be registered against a substring of the latest user message, or
// scripted as an ordered sequence which takes precedence.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	script    []string
	cursor    int
	requests  []Request
}

// NewMockModel constructs an empty mock.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: map[string]string{},
	}
}

// AddResponse registers a canned reply for any turn whose latest user
// message contains match.
func (m *MockModel) AddResponse(match, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[match] = response
}

// Script queues replies returned in order regardless of input.
func (m *MockModel) Script(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Requests returns every request seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.cursor < len(m.script) {
		text := m.script[m.cursor]
		m.cursor++
		return &Response{Text: text}, nil
	}

	var latest string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			latest = req.Messages[i].Content
			break
		}
	}
	for match, response := range m.responses {
		if strings.Contains(latest, match) {
			return &Response{Text: response}, nil
		}
	}

	return nil, fmt.Errorf("mock model: no response registered for input")
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
