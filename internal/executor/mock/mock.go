package mock

import (
	"context"
	"sync"

	"github.com/zette-dev/chatbridge/internal/executor"
)

// Executor is a test double that returns canned responses and records the
// requests it receives.
type Executor struct {
	mu       sync.Mutex
	requests []executor.Request

	ExecuteHandler func(ctx context.Context, req executor.Request) (*executor.Result, error)
	StreamHandler  func(ctx context.Context, req executor.Request, onUpdate executor.UpdateFunc) (*executor.StreamResult, error)
}

func New() *Executor {
	return &Executor{}
}

func (e *Executor) Name() string { return "mock" }

func (e *Executor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	e.record(req)
	if e.ExecuteHandler != nil {
		return e.ExecuteHandler(ctx, req)
	}
	return &executor.Result{
		Text:        "mock response to: " + req.Prompt,
		ResumeToken: "mock-session",
		Turns:       1,
	}, nil
}

func (e *Executor) Stream(ctx context.Context, req executor.Request, onUpdate executor.UpdateFunc) (*executor.StreamResult, error) {
	e.record(req)
	if e.StreamHandler != nil {
		return e.StreamHandler(ctx, req, onUpdate)
	}
	content := "mock response to: " + req.Prompt
	if onUpdate != nil {
		onUpdate(ctx, content)
	}
	return &executor.StreamResult{Content: content, ResumeToken: "mock-session"}, nil
}

// Requests returns a copy of every request received so far.
func (e *Executor) Requests() []executor.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]executor.Request(nil), e.requests...)
}

func (e *Executor) record(req executor.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
}

var _ executor.Executor = (*Executor)(nil)
