package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor"
	"github.com/zette-dev/chatbridge/internal/executor/mock"
	"github.com/zette-dev/chatbridge/internal/project"
	"github.com/zette-dev/chatbridge/internal/question"
	"github.com/zette-dev/chatbridge/internal/session"
)

type testEnv struct {
	bridge *Bridge
	exec   *mock.Executor
	store  *session.Store
	base   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	exec := mock.New()
	store := session.NewStore()
	projects := project.NewResolver(config.WorkspacesConfig{
		BasePath: base,
		Default:  "home",
		ChatMap:  map[string]string{"1000": "zette"},
	})
	return &testEnv{
		bridge: New(exec, store, projects),
		exec:   exec,
		store:  store,
		base:   base,
	}
}

func streamReply(content, token string) func(context.Context, executor.Request, executor.UpdateFunc) (*executor.StreamResult, error) {
	return func(ctx context.Context, _ executor.Request, onUpdate executor.UpdateFunc) (*executor.StreamResult, error) {
		if onUpdate != nil {
			onUpdate(ctx, content)
		}
		return &executor.StreamResult{Content: content, ResumeToken: token}, nil
	}
}

func TestAsk_FirstTurn(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.bridge.Ask(context.Background(), project.Chat{ID: "1000"}, "hello", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if reply.Text != "mock response to: hello" {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	if reply.ConversationID != "1000" {
		t.Errorf("expected conversation 1000, got %q", reply.ConversationID)
	}

	reqs := env.exec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	wantDir := filepath.Join(env.base, "zette")
	if reqs[0].WorkDir != wantDir {
		t.Errorf("expected work dir %q, got %q", wantDir, reqs[0].WorkDir)
	}
	if reqs[0].ResumeToken != "" {
		t.Errorf("first turn must not resume, got %q", reqs[0].ResumeToken)
	}
	if info, err := os.Stat(wantDir); err != nil || !info.IsDir() {
		t.Errorf("workspace %s was not provisioned", wantDir)
	}

	sess, ok := env.store.Get("1000")
	if !ok {
		t.Fatal("expected a session")
	}
	if sess.ResumeToken != "mock-session" || sess.State != session.StateIdle {
		t.Errorf("unexpected session after turn: %+v", sess)
	}
}

func TestAsk_ResumesConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "42"}

	env.exec.StreamHandler = streamReply("one", "tok-1")
	if _, err := env.bridge.Ask(ctx, chat, "first", nil); err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	env.exec.StreamHandler = streamReply("two", "tok-2")
	if _, err := env.bridge.Ask(ctx, chat, "second", nil); err != nil {
		t.Fatalf("second Ask: %v", err)
	}

	reqs := env.exec.Requests()
	if reqs[1].ResumeToken != "tok-1" {
		t.Errorf("second turn should resume tok-1, got %q", reqs[1].ResumeToken)
	}
	if reqs[1].WorkDir != filepath.Join(env.base, "home") {
		t.Errorf("expected default workspace, got %q", reqs[1].WorkDir)
	}
	if tok, _ := env.store.ResumeToken("42"); tok != "tok-2" {
		t.Errorf("expected tok-2 stored, got %q", tok)
	}
}

func TestAsk_ForwardsUpdates(t *testing.T) {
	env := newTestEnv(t)

	var got []string
	_, err := env.bridge.Ask(context.Background(), project.Chat{ID: "1"}, "hi", func(_ context.Context, content string) {
		got = append(got, content)
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if len(got) != 1 || got[0] != "mock response to: hi" {
		t.Errorf("unexpected updates %q", got)
	}
}

func TestAsk_FailureLeavesSessionUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "7"}

	env.exec.StreamHandler = streamReply("Run the migration? (yes/no)", "tok-1")
	if _, err := env.bridge.Ask(ctx, chat, "plan it", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	before, _ := env.store.Get("7")

	env.exec.StreamHandler = func(context.Context, executor.Request, executor.UpdateFunc) (*executor.StreamResult, error) {
		return nil, &executor.Error{Kind: executor.KindTimeout, Message: "claude timed out"}
	}
	_, err := env.bridge.Ask(ctx, chat, "yes", nil)

	if executor.KindOf(err) != executor.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	after, _ := env.store.Get("7")
	if after.ResumeToken != before.ResumeToken {
		t.Errorf("token changed on failure: %q -> %q", before.ResumeToken, after.ResumeToken)
	}
	if after.State != session.StateAwaitingInput {
		t.Errorf("expected state restored to awaiting input, got %s", after.State)
	}
}

func TestAsk_NoResumeTokenKeepsPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "8"}

	env.exec.StreamHandler = streamReply("one", "tok-1")
	env.bridge.Ask(ctx, chat, "first", nil)

	env.exec.StreamHandler = streamReply("partial", "")
	reply, err := env.bridge.Ask(ctx, chat, "second", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if reply.ResumeToken != "" {
		t.Errorf("expected no token on reply, got %q", reply.ResumeToken)
	}
	sess, _ := env.store.Get("8")
	if sess.ResumeToken != "tok-1" || sess.State != session.StateIdle {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestAsk_QuestionSetsAwaitingInput(t *testing.T) {
	env := newTestEnv(t)

	env.exec.StreamHandler = streamReply("I've drafted the change.\nShould I proceed with these changes?", "tok-1")
	reply, err := env.bridge.Ask(context.Background(), project.Chat{ID: "9"}, "refactor", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if reply.Question == nil || reply.Question.Type != question.Proceed {
		t.Fatalf("expected proceed question, got %+v", reply.Question)
	}
	sess, _ := env.store.Get("9")
	if sess.State != session.StateAwaitingInput {
		t.Errorf("expected awaiting input, got %s", sess.State)
	}
	if sess.ResumeToken != "tok-1" {
		t.Errorf("expected tok-1, got %q", sess.ResumeToken)
	}
}

func TestAnswer_UsesBatchExecutor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "-100123"}

	env.exec.StreamHandler = streamReply("Entering plan mode.\n1. Do a thing", "tok-1")
	if _, err := env.bridge.Ask(ctx, chat, "plan", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	var executed executor.Request
	env.exec.ExecuteHandler = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		executed = req
		return &executor.Result{Text: "Done.", ResumeToken: "tok-2", Turns: 3}, nil
	}

	token := question.EncodeAction("-100123", 0, "yes, proceed with this plan")
	reply, err := env.bridge.Answer(ctx, chat, token)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if executed.Prompt != "yes, proceed with this plan" {
		t.Errorf("expected action value as prompt, got %q", executed.Prompt)
	}
	if executed.ResumeToken != "tok-1" {
		t.Errorf("expected answer to resume tok-1, got %q", executed.ResumeToken)
	}
	if reply.Result == nil || reply.Result.Turns != 3 {
		t.Errorf("expected batch result on reply, got %+v", reply.Result)
	}
	if reply.Question != nil {
		t.Errorf("expected terminal reply, got %+v", reply.Question)
	}

	sess, _ := env.store.Get("-100123")
	if sess.ResumeToken != "tok-2" || sess.State != session.StateIdle {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestAnswer_RejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.bridge.Answer(ctx, project.Chat{ID: "1"}, question.EncodeAction("2", 0, "yes"))
	if !errors.Is(err, ErrForeignAction) {
		t.Errorf("expected ErrForeignAction, got %v", err)
	}

	if _, err := env.bridge.Answer(ctx, project.Chat{ID: "1"}, "garbage"); err == nil {
		t.Error("expected error for malformed token")
	}

	if n := len(env.exec.Requests()); n != 0 {
		t.Errorf("expected no executor calls, got %d", n)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	chat := project.Chat{ID: "5"}

	if env.bridge.Reset("5") {
		t.Error("expected Reset to report no session")
	}

	env.bridge.Ask(context.Background(), chat, "hi", nil)
	if !env.bridge.Reset("5") {
		t.Error("expected Reset to report a session")
	}

	status := env.bridge.Status(chat)
	if !status.Exists || status.ResumeToken != "" || status.State != session.StateIdle {
		t.Errorf("unexpected status after reset: %+v", status)
	}
	if status.Project != filepath.Join(env.base, "home") {
		t.Errorf("project lost on reset: %q", status.Project)
	}
}

func TestReset_DuringTurnDiscardsItsToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "8"}

	env.exec.StreamHandler = streamReply("one", "tok-old")
	if _, err := env.bridge.Ask(ctx, chat, "first", nil); err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	env.exec.StreamHandler = func(_ context.Context, _ executor.Request, _ executor.UpdateFunc) (*executor.StreamResult, error) {
		close(started)
		<-release
		return &executor.StreamResult{Content: "two", ResumeToken: "tok-old-chain"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.bridge.Ask(ctx, chat, "second", nil)
		done <- err
	}()

	<-started
	env.bridge.Reset("8")
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("second Ask: %v", err)
	}

	sess, _ := env.store.Get("8")
	if sess.ResumeToken != "" || sess.State != session.StateIdle {
		t.Errorf("reset was undone by the running turn: %+v", sess)
	}
}

func TestStatus_NoSession(t *testing.T) {
	env := newTestEnv(t)

	status := env.bridge.Status(project.Chat{ID: "1000"})

	if status.Exists {
		t.Error("expected no session")
	}
	if status.Project != filepath.Join(env.base, "zette") {
		t.Errorf("expected resolved project, got %q", status.Project)
	}
}

func TestCreateProject_RetargetsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := project.Chat{ID: "11"}

	env.bridge.Ask(ctx, chat, "hi", nil)

	path, err := env.bridge.CreateProject("11", "New App")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if want := filepath.Join(env.base, "new-app"); path != want {
		t.Errorf("expected %q, got %q", want, path)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Errorf("project dir %s not created", path)
	}

	sess, _ := env.store.Get("11")
	if sess.ProjectPath != path || sess.ResumeToken != "" {
		t.Errorf("session not retargeted: %+v", sess)
	}

	env.bridge.Ask(ctx, chat, "again", nil)
	reqs := env.exec.Requests()
	if got := reqs[len(reqs)-1]; got.WorkDir != path || got.ResumeToken != "" {
		t.Errorf("expected fresh turn in %q, got %+v", path, got)
	}

	if _, err := env.bridge.CreateProject("11", "???"); err == nil {
		t.Error("expected error for unusable name")
	}
}

func TestCreateProject_StaysUnderBasePath(t *testing.T) {
	env := newTestEnv(t)
	outside := filepath.Join(t.TempDir(), "outside", "evil")

	path, err := env.bridge.CreateProject("42", outside)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if filepath.Dir(path) != env.base {
		t.Errorf("expected a directory under %q, got %q", env.base, path)
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Errorf("%s should not have been created", outside)
	}
}

func TestProjects_ListsAssignments(t *testing.T) {
	env := newTestEnv(t)

	if got := env.bridge.Projects(); len(got) != 0 {
		t.Fatalf("expected no assignments, got %+v", got)
	}

	env.bridge.CreateProject("2", "beta")
	env.bridge.CreateProject("1", "alpha")

	got := env.bridge.Projects()
	if len(got) != 2 || got[0].ConversationID != "1" || got[1].Path != filepath.Join(env.base, "beta") {
		t.Errorf("unexpected assignments: %+v", got)
	}
}

func TestLinkAndUnlinkProject(t *testing.T) {
	env := newTestEnv(t)
	chat := project.Chat{ID: "1000"}
	dir := t.TempDir()

	if _, err := env.bridge.LinkProject("1000", filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error linking a missing directory")
	}
	if _, err := env.bridge.LinkProject("1000", "relative/path"); err == nil {
		t.Error("expected error linking a relative path")
	}

	path, err := env.bridge.LinkProject("1000", dir)
	if err != nil {
		t.Fatalf("LinkProject: %v", err)
	}
	if status := env.bridge.Status(chat); status.Project != path || !status.Assigned {
		t.Errorf("unexpected status after link: %+v", status)
	}

	got, ok := env.bridge.UnlinkProject(chat)
	if !ok || got != path {
		t.Errorf("UnlinkProject = %q, %v", got, ok)
	}
	if status := env.bridge.Status(chat); status.Project != filepath.Join(env.base, "zette") || status.Assigned {
		t.Errorf("expected chat map after unlink, got %+v", status)
	}
	if _, ok := env.bridge.UnlinkProject(chat); ok {
		t.Error("second unlink should report nothing to remove")
	}
}

func TestAsk_SameConversationIsSerialized(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	env.exec.StreamHandler = func(_ context.Context, req executor.Request, _ executor.UpdateFunc) (*executor.StreamResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &executor.StreamResult{Content: req.Prompt, ResumeToken: "tok-" + req.Prompt}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.bridge.Ask(context.Background(), project.Chat{ID: "1100"}, fmt.Sprintf("msg-%d", i), nil); err != nil {
				t.Errorf("ask %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if maxInFlight > 1 {
		t.Errorf("per-conversation lock violated: max concurrent in-flight was %d", maxInFlight)
	}

	// Every turn after the first resumed the token left by the one before it.
	reqs := env.exec.Requests()
	seen := map[string]bool{"": true}
	for _, req := range reqs {
		if !seen[req.ResumeToken] {
			t.Errorf("request %q resumed unknown token %q", req.Prompt, req.ResumeToken)
		}
		seen["tok-"+req.Prompt] = true
	}
}

func TestAsk_DifferentConversationsRunConcurrently(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	env.exec.StreamHandler = func(ctx context.Context, req executor.Request, _ executor.UpdateFunc) (*executor.StreamResult, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &executor.StreamResult{Content: "ok", ResumeToken: "t"}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			env.bridge.Ask(ctx, project.Chat{ID: id}, "hi", nil)
		}(id)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("conversations did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}
