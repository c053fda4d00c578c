package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor"
)

const (
	shutdownTimeout = 5 * time.Second
	maxLineSize     = 1024 * 1024 // Longer NDJSON lines are skipped
	maxStderrBytes  = 16 * 1024
)

// Executor runs the Claude Code CLI once per request, either capturing a
// single JSON result (Execute) or consuming stream-json output (Stream).
// It holds no per-conversation state; continuity travels in the request's
// resume token.
type Executor struct {
	binary        string
	model         string
	systemPrompt  string
	allowedTools  []string
	batchTimeout  time.Duration
	streamTimeout time.Duration

	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	now            func() time.Time
}

// New creates a Claude Code executor from the claude config section.
func New(cfg config.ClaudeConfig) *Executor {
	cfg.ApplyDefaults()
	return &Executor{
		binary:         cfg.Binary,
		model:          cfg.Model,
		systemPrompt:   cfg.SystemPrompt,
		allowedTools:   cfg.AllowedTools,
		batchTimeout:   cfg.Timeout,
		streamTimeout:  cfg.StreamTimeout,
		commandContext: exec.CommandContext,
		now:            time.Now,
	}
}

func (e *Executor) Name() string { return "claude" }

// Execute runs claude with --output-format json and validates the result
// document. The child is killed when the timeout expires.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	req = e.withDefaults(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.batchTimeout
	}

	args := BuildArgs(req, ModeBatch, e.allowedTools)
	slog.Info("running claude",
		"mode", "batch",
		"work_dir", req.WorkDir,
		"resume", req.ResumeToken != "",
		"timeout", timeout,
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderrBytes}

	cmd := e.command(ctx, req.WorkDir, args)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, exitError(ctx, executor.KindProcess, timeout, err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	slog.Debug("claude returned", "bytes", len(out))

	if !json.Valid(out) {
		return nil, &executor.Error{
			Kind:     executor.KindParse,
			Message:  fmt.Sprintf("failed to parse claude response (%d bytes)", len(out)),
			Stderr:   stderr.String(),
			ExitCode: 0,
		}
	}

	var resp batchResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, &executor.Error{Kind: executor.KindSchema, Message: "invalid claude response format", Err: err}
	}
	if err := resp.validate(); err != nil {
		return nil, &executor.Error{Kind: executor.KindSchema, Message: "invalid claude response format", Err: err}
	}

	if *resp.IsError {
		return nil, &executor.Error{Kind: executor.KindReported, Message: *resp.Result}
	}

	res := resp.toResult()
	slog.Info("claude finished",
		"mode", "batch",
		"turns", res.Turns,
		"cost_usd", res.CostUSD,
		"duration", res.Duration,
	)
	return res, nil
}

// Stream runs claude with --output-format stream-json, folding each line
// into an Accumulator. onUpdate receives the full content so far whenever
// the update gate allows, and once more with the final content.
func (e *Executor) Stream(ctx context.Context, req executor.Request, onUpdate executor.UpdateFunc) (*executor.StreamResult, error) {
	req = e.withDefaults(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.streamTimeout
	}

	args := BuildArgs(req, ModeStream, e.allowedTools)
	slog.Info("running claude",
		"mode", "stream",
		"work_dir", req.WorkDir,
		"resume", req.ResumeToken != "",
		"timeout", timeout,
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.command(ctx, req.WorkDir, args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &executor.Error{Kind: executor.KindStream, Message: "stdout pipe", ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &executor.Error{Kind: executor.KindStream, Message: "stderr pipe", ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &executor.Error{Kind: executor.KindStream, Message: "start claude", ExitCode: -1, Err: err}
	}

	// The kill from CommandContext does not reach descendants that inherited
	// the pipes, so close our read ends too.
	stop := context.AfterFunc(ctx, func() {
		stdout.Close()
		stderr.Close()
	})
	defer stop()

	tail := &tailBuffer{max: maxStderrBytes}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainStderr(stderr, tail)
	}()

	var acc Accumulator
	gate := newUpdateGate(e.now)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	skipped := 0

	var readErr error
	for {
		line, tooLong, err := readLine(reader, maxLineSize)
		switch {
		case tooLong:
			skipped++
			slog.Warn("skipping oversized stream line", "limit", maxLineSize, "skipped", skipped)
		case len(line) > 0:
			if evt, ok := ParseLine(line); ok {
				acc = acc.Apply(evt)
				if onUpdate != nil && evt.Kind == EventAssistant && evt.Text != "" && gate.due(len(acc.Content)) {
					onUpdate(ctx, acc.Content)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	interrupted := ctx.Err() != nil
	if readErr != nil && !interrupted {
		// Stop the child; nobody is reading its output any more.
		cancel()
	}

	<-stderrDone
	waitErr := cmd.Wait()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, timeoutError(timeout, tail.String())
	case interrupted:
		return nil, exitError(ctx, executor.KindStream, timeout, waitErr, tail.String())
	case readErr != nil:
		return nil, &executor.Error{Kind: executor.KindStream, Message: "read stdout", Stderr: tail.String(), ExitCode: -1, Err: readErr}
	case waitErr != nil:
		return nil, exitError(ctx, executor.KindStream, timeout, waitErr, tail.String())
	}

	if onUpdate != nil && acc.Content != "" {
		onUpdate(ctx, acc.Content)
	}

	slog.Info("claude finished",
		"mode", "stream",
		"content_len", len(acc.Content),
		"complete", acc.Complete,
		"resumable", acc.ResumeToken != "",
	)

	return &executor.StreamResult{
		Content:     acc.Content,
		ResumeToken: acc.ResumeToken,
	}, nil
}

var _ executor.Executor = (*Executor)(nil)

func (e *Executor) withDefaults(req executor.Request) executor.Request {
	if req.Model == "" {
		req.Model = e.model
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = e.systemPrompt
	}
	return req
}

func (e *Executor) command(ctx context.Context, workDir string, args []string) *exec.Cmd {
	cmd := e.commandContext(ctx, e.binary, args...)
	cmd.Dir = workDir
	cmd.Env = append(cmd.Environ(), "TERM=dumb")
	// nil Stdin is the null device: an unexpected interactive prompt reads
	// EOF instead of waiting forever.
	cmd.Stdin = nil
	cmd.WaitDelay = shutdownTimeout
	return cmd
}

// exitError classifies a failed Run or Wait. A passed deadline always wins
// over the exit status, since the exit was caused by our kill.
func exitError(ctx context.Context, kind executor.Kind, timeout time.Duration, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(timeout, stderr)
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	msg := "failed to run claude"
	switch {
	case ctx.Err() != nil:
		msg = "claude run cancelled"
		err = ctx.Err()
	case exitCode >= 0:
		msg = fmt.Sprintf("claude exited with code %d", exitCode)
	}

	return &executor.Error{Kind: kind, Message: msg, Stderr: stderr, ExitCode: exitCode, Err: err}
}

func timeoutError(timeout time.Duration, stderr string) error {
	return &executor.Error{
		Kind:     executor.KindTimeout,
		Message:  fmt.Sprintf("claude timed out after %s", timeout),
		Stderr:   stderr,
		ExitCode: -1,
		Err:      context.DeadlineExceeded,
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full and reported with tooLong instead of its content.
// err is io.EOF after the last line.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), tooLong, err
	}
}

func drainStderr(stderr io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		slog.Debug("claude stderr", "line", scanner.Text())
		tail.Write(scanner.Bytes())
		tail.Write([]byte{'\n'})
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe empty so the child never blocks on a write.
		slog.Debug("claude stderr unreadable, discarding the rest", "error", err)
		io.Copy(io.Discard, stderr)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
