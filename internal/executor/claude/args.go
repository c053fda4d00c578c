package claude

import (
	"strings"

	"github.com/zette-dev/chatbridge/internal/executor"
)

// Mode selects the CLI output format.
type Mode int

const (
	ModeBatch  Mode = iota // --output-format json
	ModeStream             // --output-format stream-json --verbose
)

const toolDelimiter = ","

// BuildArgs turns a request into the claude CLI argument list. Permission
// prompts are always skipped; trust is delegated to the allowlist. An empty
// request allowlist falls back to defaultTools.
func BuildArgs(req executor.Request, mode Mode, defaultTools []string) []string {
	args := []string{"-p", req.Prompt}

	switch mode {
	case ModeStream:
		// stream-json requires --verbose together with -p
		args = append(args, "--output-format", "stream-json", "--verbose")
	default:
		args = append(args, "--output-format", "json")
	}

	args = append(args, "--dangerously-skip-permissions")

	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	tools := req.AllowedTools
	if len(tools) == 0 {
		tools = defaultTools
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, toolDelimiter))
	}

	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	return args
}
