package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zette-dev/chatbridge/internal/executor"
)

// --- --output-format json result document ---
//
// Required fields are pointers so that a missing field can be told apart
// from its zero value.

type batchResponse struct {
	Type              *string                    `json:"type"`
	Subtype           *string                    `json:"subtype"`
	IsError           *bool                      `json:"is_error"`
	DurationMS        *float64                   `json:"duration_ms"`
	DurationAPIMS     *float64                   `json:"duration_api_ms,omitempty"`
	NumTurns          *int                       `json:"num_turns"`
	Result            *string                    `json:"result"`
	SessionID         *string                    `json:"session_id"`
	TotalCostUSD      *float64                   `json:"total_cost_usd"`
	Usage             *batchUsage                `json:"usage"`
	ModelUsage        map[string]batchModelUsage `json:"modelUsage,omitempty"`
	PermissionDenials []json.RawMessage          `json:"permission_denials,omitempty"`
	UUID              *string                    `json:"uuid"`
}

type batchUsage struct {
	InputTokens              *int64         `json:"input_tokens"`
	OutputTokens             *int64         `json:"output_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens,omitempty"`
	ServerToolUse            *serverToolUse `json:"server_tool_use,omitempty"`
	ServiceTier              string         `json:"service_tier,omitempty"`
}

type serverToolUse struct {
	WebSearchRequests int `json:"web_search_requests,omitempty"`
	WebFetchRequests  int `json:"web_fetch_requests,omitempty"`
}

type batchModelUsage struct {
	InputTokens              *int64   `json:"inputTokens"`
	OutputTokens             *int64   `json:"outputTokens"`
	CacheReadInputTokens     int64    `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64    `json:"cacheCreationInputTokens,omitempty"`
	WebSearchRequests        int      `json:"webSearchRequests,omitempty"`
	CostUSD                  *float64 `json:"costUSD"`
	ContextWindow            *int64   `json:"contextWindow"`
}

// validate returns an error naming every required field that is missing or
// has an unexpected value.
func (r *batchResponse) validate() error {
	var problems []string
	missing := func(name string) { problems = append(problems, "missing "+name) }

	switch {
	case r.Type == nil:
		missing("type")
	case *r.Type != "result":
		problems = append(problems, fmt.Sprintf("type is %q, want \"result\"", *r.Type))
	}
	if r.Subtype == nil {
		missing("subtype")
	}
	if r.IsError == nil {
		missing("is_error")
	}
	if r.DurationMS == nil {
		missing("duration_ms")
	}
	if r.NumTurns == nil {
		missing("num_turns")
	}
	if r.Result == nil {
		missing("result")
	}
	if r.SessionID == nil {
		missing("session_id")
	}
	if r.TotalCostUSD == nil {
		missing("total_cost_usd")
	}
	if r.UUID == nil {
		missing("uuid")
	}
	if r.Usage == nil {
		missing("usage")
	} else {
		if r.Usage.InputTokens == nil {
			missing("usage.input_tokens")
		}
		if r.Usage.OutputTokens == nil {
			missing("usage.output_tokens")
		}
	}
	for model, mu := range r.ModelUsage {
		if mu.InputTokens == nil || mu.OutputTokens == nil || mu.CostUSD == nil || mu.ContextWindow == nil {
			problems = append(problems, fmt.Sprintf("incomplete modelUsage entry %q", model))
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// toResult converts a validated response.
func (r *batchResponse) toResult() *executor.Result {
	res := &executor.Result{
		Text:              *r.Result,
		ResumeToken:       *r.SessionID,
		Subtype:           *r.Subtype,
		Turns:             *r.NumTurns,
		CostUSD:           *r.TotalCostUSD,
		Duration:          millis(*r.DurationMS),
		IsError:           *r.IsError,
		PermissionDenials: len(r.PermissionDenials),
		Usage: executor.Usage{
			InputTokens:         *r.Usage.InputTokens,
			OutputTokens:        *r.Usage.OutputTokens,
			CacheReadTokens:     r.Usage.CacheReadInputTokens,
			CacheCreationTokens: r.Usage.CacheCreationInputTokens,
			ServiceTier:         r.Usage.ServiceTier,
		},
	}
	if r.DurationAPIMS != nil {
		res.APIDuration = millis(*r.DurationAPIMS)
	}
	if stu := r.Usage.ServerToolUse; stu != nil {
		res.Usage.WebSearchRequests = stu.WebSearchRequests
		res.Usage.WebFetchRequests = stu.WebFetchRequests
	}
	if len(r.ModelUsage) > 0 {
		res.Usage.Models = make(map[string]executor.ModelUsage, len(r.ModelUsage))
		for model, mu := range r.ModelUsage {
			res.Usage.Models[model] = executor.ModelUsage{
				InputTokens:         *mu.InputTokens,
				OutputTokens:        *mu.OutputTokens,
				CacheReadTokens:     mu.CacheReadInputTokens,
				CacheCreationTokens: mu.CacheCreationInputTokens,
				WebSearchRequests:   mu.WebSearchRequests,
				CostUSD:             *mu.CostUSD,
				ContextWindow:       *mu.ContextWindow,
			}
		}
	}
	return res
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
