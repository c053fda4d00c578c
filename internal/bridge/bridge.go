// Package bridge runs agent turns on behalf of chat conversations. It owns
// the conversation state machine: it resolves the working directory, resumes
// the agent conversation from the stored token, and records the outcome.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor"
	"github.com/zette-dev/chatbridge/internal/project"
	"github.com/zette-dev/chatbridge/internal/question"
	"github.com/zette-dev/chatbridge/internal/session"
)

// ErrForeignAction is returned when an action token belongs to another
// conversation.
var ErrForeignAction = errors.New("action belongs to another conversation")

// Reply is the outcome of one agent turn.
type Reply struct {
	ConversationID string
	Text           string
	ResumeToken    string                   // Empty if the run returned none
	Question       *question.Classification // Nil when the reply is terminal
	Result         *executor.Result         // Set only for batch runs
}

// StatusInfo describes the current state of a conversation.
type StatusInfo struct {
	Exists      bool
	Project     string
	Assigned    bool // Project was set explicitly rather than by config
	State       session.State
	ResumeToken string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bridge connects conversations to an executor. Turns on the same
// conversation run one at a time; different conversations run concurrently.
type Bridge struct {
	exec     executor.Executor
	store    *session.Store
	projects *project.Resolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// resets counts Reset calls per conversation. A turn that sees the count
	// change while it ran does not write its outcome to the store.
	resetMu sync.Mutex
	resets  map[string]uint64
}

// New creates a bridge.
func New(exec executor.Executor, store *session.Store, projects *project.Resolver) *Bridge {
	return &Bridge{
		exec:     exec,
		store:    store,
		projects: projects,
		locks:    make(map[string]*sync.Mutex),
		resets:   make(map[string]uint64),
	}
}

// Ask runs prompt as the next turn of the chat's conversation using the
// streaming executor. onUpdate, if set, receives the reply as it grows.
func (b *Bridge) Ask(ctx context.Context, chat project.Chat, prompt string, onUpdate executor.UpdateFunc) (*Reply, error) {
	return b.run(ctx, chat, prompt, func(ctx context.Context, req executor.Request) (*Reply, error) {
		res, err := b.exec.Stream(ctx, req, onUpdate)
		if err != nil {
			return nil, err
		}
		return &Reply{Text: res.Content, ResumeToken: res.ResumeToken}, nil
	})
}

// Answer runs the value of a selected quick-reply action as the next turn,
// using the batch executor.
func (b *Bridge) Answer(ctx context.Context, chat project.Chat, token string) (*Reply, error) {
	convID, index, value, err := question.DecodeAction(token)
	if err != nil {
		return nil, err
	}
	if convID != chat.ID {
		return nil, fmt.Errorf("answer %q in %s: %w", token, chat.ID, ErrForeignAction)
	}

	slog.Info("action selected", "conversation_id", convID, "index", index, "value", value)

	return b.run(ctx, chat, value, func(ctx context.Context, req executor.Request) (*Reply, error) {
		res, err := b.exec.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Reply{Text: res.Text, ResumeToken: res.ResumeToken, Result: res}, nil
	})
}

// Reset drops the conversation's resume token so the next turn starts a
// fresh agent conversation. It reports whether there was a session. It does
// not wait for a running turn; that turn's token is discarded when it ends.
func (b *Bridge) Reset(conversationID string) bool {
	b.resetMu.Lock()
	defer b.resetMu.Unlock()

	b.resets[conversationID]++
	_, ok := b.store.Get(conversationID)
	b.store.ClearSession(conversationID)
	return ok
}

// Status returns the current state of a chat's conversation.
func (b *Bridge) Status(chat project.Chat) StatusInfo {
	_, assigned := b.projects.Assigned(chat.ID)

	sess, ok := b.store.Get(chat.ID)
	if !ok {
		return StatusInfo{Project: b.projects.Resolve(chat), Assigned: assigned}
	}
	return StatusInfo{
		Exists:      true,
		Project:     sess.ProjectPath,
		Assigned:    assigned,
		State:       sess.State,
		ResumeToken: sess.ResumeToken,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
}

// CreateProject creates a directory for name under the workspace base path
// and assigns it to the conversation.
func (b *Bridge) CreateProject(conversationID, name string) (string, error) {
	return b.assign(conversationID, true, func() (string, error) {
		return b.projects.AssignName(conversationID, name)
	})
}

// LinkProject assigns an existing directory to the conversation.
func (b *Bridge) LinkProject(conversationID, dir string) (string, error) {
	path := config.ExpandHome(dir)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("link project: %q is not an absolute path", dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("link project: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("link project: %s is not a directory", path)
	}
	return b.assign(conversationID, false, func() (string, error) {
		return b.projects.AssignPath(conversationID, path)
	})
}

// UnlinkProject removes an explicit assignment. The directory is kept.
func (b *Bridge) UnlinkProject(chat project.Chat) (string, bool) {
	unlock := b.lock(chat.ID)
	defer unlock()

	path, ok := b.projects.Assigned(chat.ID)
	if !ok {
		return "", false
	}
	b.projects.Unassign(chat.ID)
	b.retarget(chat.ID, b.projects.Resolve(chat))
	return path, true
}

// Projects lists the explicit project assignments of all conversations.
func (b *Bridge) Projects() []project.Assignment {
	return b.projects.Assignments()
}

func (b *Bridge) assign(conversationID string, provision bool, assign func() (string, error)) (string, error) {
	unlock := b.lock(conversationID)
	defer unlock()

	path, err := assign()
	if err != nil {
		return "", err
	}
	if provision {
		if err := project.Provision(path); err != nil {
			b.projects.Unassign(conversationID)
			return "", err
		}
	}
	b.retarget(conversationID, path)
	return path, nil
}

// retarget points an existing session at a new directory. Agent
// conversations are bound to their directory, so the token is dropped.
func (b *Bridge) retarget(conversationID, path string) {
	_, err := b.store.Update(conversationID, func(sess session.Session) session.Session {
		if sess.ProjectPath != path {
			sess.ProjectPath = path
			sess.ResumeToken = ""
		}
		sess.State = session.StateIdle
		return sess
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Error("retarget session failed", "conversation_id", conversationID, "error", err)
	}
}

type turnFunc func(ctx context.Context, req executor.Request) (*Reply, error)

// run executes one turn. On failure the session keeps its token and returns
// to the state it was in before the turn. A Reset during the turn wins over
// its outcome.
func (b *Bridge) run(ctx context.Context, chat project.Chat, prompt string, turn turnFunc) (*Reply, error) {
	unlock := b.lock(chat.ID)
	defer unlock()

	log := slog.With("run_id", uuid.NewString(), "conversation_id", chat.ID, "executor", b.exec.Name())

	gen := b.resetCount(chat.ID)
	sess := b.store.GetOrCreate(chat.ID, b.projects.Resolve(chat))
	if err := project.Provision(sess.ProjectPath); err != nil {
		return nil, err
	}

	prev := sess.State
	if _, err := b.store.UpdateState(chat.ID, session.StateAwaitingResponse); err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}

	log.Info("turn started", "work_dir", sess.ProjectPath, "resume", sess.ResumeToken != "", "prompt_len", len(prompt))
	start := time.Now()

	reply, err := turn(ctx, executor.Request{
		Prompt:      prompt,
		ResumeToken: sess.ResumeToken,
		WorkDir:     sess.ProjectPath,
	})

	b.resetMu.Lock()
	defer b.resetMu.Unlock()
	reset := b.resets[chat.ID] != gen

	if err != nil {
		log.Error("turn failed", "kind", executor.KindOf(err), "error", err, "elapsed", time.Since(start))
		if reset {
			prev = session.StateIdle
		}
		b.store.UpdateState(chat.ID, prev)
		return nil, err
	}
	reply.ConversationID = chat.ID
	reply.Question = classify(reply.Text)

	switch {
	case reset:
		log.Info("conversation reset during turn; discarding its resume token")
		b.store.UpdateState(chat.ID, session.StateIdle)
		return reply, nil
	case reply.ResumeToken != "":
		b.store.StoreResumeToken(chat.ID, sess.ProjectPath, reply.ResumeToken)
	default:
		log.Warn("turn returned no resume token; keeping previous")
		b.store.UpdateState(chat.ID, session.StateIdle)
	}

	if reply.Question != nil {
		b.store.UpdateState(chat.ID, session.StateAwaitingInput)
	}

	log.Info("turn finished",
		"elapsed", time.Since(start),
		"reply_len", len(reply.Text),
		"question", reply.Question != nil,
	)
	return reply, nil
}

func classify(text string) *question.Classification {
	c, ok := question.Classify(text)
	if !ok {
		return nil
	}
	return &c
}

func (b *Bridge) resetCount(conversationID string) uint64 {
	b.resetMu.Lock()
	defer b.resetMu.Unlock()
	return b.resets[conversationID]
}

// lock acquires the per-conversation lock and returns its release func.
func (b *Bridge) lock(conversationID string) func() {
	b.mu.Lock()
	l, ok := b.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[conversationID] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}
