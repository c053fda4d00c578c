package executor

import (
	"context"
	"time"
)

// Request describes one invocation of a CLI agent. It is built per call and
// never persisted.
type Request struct {
	Prompt       string
	ResumeToken  string // Empty starts a fresh conversation
	WorkDir      string
	AllowedTools []string // Empty falls back to the executor's default allowlist
	SystemPrompt string
	Model        string
	Timeout      time.Duration // Zero uses the executor's default for the mode
}

// Result is the validated outcome of a batch run.
type Result struct {
	Text              string
	ResumeToken       string
	Subtype           string
	Turns             int
	CostUSD           float64
	Duration          time.Duration
	APIDuration       time.Duration
	IsError           bool
	PermissionDenials int
	Usage             Usage
}

// Usage is the token accounting reported with a batch result.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	WebSearchRequests   int
	WebFetchRequests    int
	ServiceTier         string
	Models              map[string]ModelUsage // Keyed by model id; nil when not reported
}

// ModelUsage is the per-model breakdown of Usage.
type ModelUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	WebSearchRequests   int
	CostUSD             float64
	ContextWindow       int64
}

// StreamResult is the outcome of a streamed run. ResumeToken is empty when
// the stream ended without a result event, which is not an error.
type StreamResult struct {
	Content     string
	ResumeToken string
}

// UpdateFunc receives the full accumulated content of a streamed run, never
// a delta.
type UpdateFunc func(ctx context.Context, content string)

// Executor is the interface the bridge uses to run a CLI agent.
type Executor interface {
	// Execute runs the agent once and returns its validated result.
	Execute(ctx context.Context, req Request) (*Result, error)

	// Stream runs the agent in streaming mode, reporting partial content to
	// onUpdate (which may be nil) as it arrives.
	Stream(ctx context.Context, req Request, onUpdate UpdateFunc) (*StreamResult, error)

	// Name returns a human-readable identifier ("claude", "mock", etc.)
	Name() string
}
