package executor

import (
	"errors"
	"fmt"
)

// Kind classifies an executor failure.
type Kind int

const (
	KindUnknown  Kind = iota
	KindTimeout       // Deadline exceeded; the child was killed
	KindProcess       // Spawn failure or nonzero exit in batch mode
	KindParse         // Output is not valid JSON
	KindSchema        // Valid JSON with the wrong shape
	KindReported      // The agent reported an error in a well-formed result
	KindStream        // Spawn failure, read failure or nonzero exit in streaming mode
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProcess:
		return "process_error"
	case KindParse:
		return "parse_error"
	case KindSchema:
		return "schema_error"
	case KindReported:
		return "claude_error"
	case KindStream:
		return "stream_error"
	default:
		return "unknown"
	}
}

// Error is returned by executors for every failure they classify.
type Error struct {
	Kind     Kind
	Message  string
	Stderr   string // Captured diagnostic output, if any
	ExitCode int    // -1 when the process did not exit normally
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
