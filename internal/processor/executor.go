package processor

import (
	"context"
	"sync"

	"github.com/rickgao/onebot-relay/internal/model"
)

// Executor performs an action and reports its outcome. Failures are
// expressed as failed responses, never as panics or missing replies.
// The processor fills in Response.Echo.
type Executor interface {
	Execute(ctx context.Context, req model.Request) model.Response
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, req model.Request) model.Response

func (f ExecutorFunc) Execute(ctx context.Context, req model.Request) model.Response {
	return f(ctx, req)
}

// StubExecutor acknowledges every action without doing anything.
type StubExecutor struct{}

// Execute implements Executor.
func (StubExecutor) Execute(ctx context.Context, req model.Request) model.Response {
	return model.OK(map[string]string{"message": "Action processed successfully"})
}

// Mux routes actions to per-action executors and falls back to a default.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Executor
	fallback Executor
}

// NewMux creates a Mux. With a nil fallback, unknown actions fail with 1404.
func NewMux(fallback Executor) *Mux {
	return &Mux{
		handlers: make(map[string]Executor),
		fallback: fallback,
	}
}

// Handle registers e for action, replacing any previous handler.
func (m *Mux) Handle(action string, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = e
}

// HandleFunc registers f for action.
func (m *Mux) HandleFunc(action string, f func(ctx context.Context, req model.Request) model.Response) {
	m.Handle(action, ExecutorFunc(f))
}

// Actions returns the actions with a dedicated handler.
func (m *Mux) Actions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actions := make([]string, 0, len(m.handlers))
	for a := range m.handlers {
		actions = append(actions, a)
	}
	return actions
}

// Execute implements Executor.
func (m *Mux) Execute(ctx context.Context, req model.Request) model.Response {
	m.mu.RLock()
	e, ok := m.handlers[req.Action]
	m.mu.RUnlock()

	if ok {
		return e.Execute(ctx, req)
	}
	if m.fallback != nil {
		return m.fallback.Execute(ctx, req)
	}
	return model.Failed(model.RetcodeNotFound, "unsupported action: "+req.Action, nil)
}
