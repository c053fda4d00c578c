package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := NewStore()
	s.now = clock.now
	return s, clock
}

func TestStore_Create(t *testing.T) {
	s, clock := newTestStore(t)

	sess := s.Create("100", "/work/a", "thread-1")

	if sess.State != StateIdle {
		t.Errorf("expected idle, got %s", sess.State)
	}
	if sess.ResumeToken != "" {
		t.Errorf("expected no token, got %q", sess.ResumeToken)
	}
	if sess.ThreadID != "thread-1" || sess.ProjectPath != "/work/a" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if !sess.CreatedAt.Equal(clock.now()) || !sess.UpdatedAt.Equal(clock.now()) {
		t.Errorf("expected timestamps stamped now, got %+v", sess)
	}

	got, ok := s.Get("100")
	if !ok || got != sess {
		t.Errorf("Get returned %+v, %v", got, ok)
	}
}

func TestStore_GetOrCreateKeepsExisting(t *testing.T) {
	s, _ := newTestStore(t)

	first := s.GetOrCreate("100", "/work/a")
	second := s.GetOrCreate("100", "/work/b")

	if second != first {
		t.Errorf("expected existing session unchanged, got %+v", second)
	}
	if second.ProjectPath != "/work/a" {
		t.Errorf("project path overwritten: %q", second.ProjectPath)
	}
}

func TestStore_UpdateStampsTime(t *testing.T) {
	s, clock := newTestStore(t)
	created := s.Create("100", "/work/a", "")

	clock.advance(time.Minute)
	updated, err := s.Update("100", func(sess Session) Session {
		sess.ProjectPath = "/work/b"
		return sess
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if updated.ProjectPath != "/work/b" {
		t.Errorf("transform not applied: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(created.UpdatedAt.Add(time.Minute)) {
		t.Errorf("expected UpdatedAt advanced, got %s", updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed: %s", updated.CreatedAt)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update("nope", func(sess Session) Session { return sess })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = s.UpdateState("nope", StateAwaitingInput)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from UpdateState, got %v", err)
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	s, _ := newTestStore(t)
	s.Create("b", "", "")
	s.Create("a", "", "")
	s.Create("c", "", "")

	s.Delete("b")
	s.Delete("missing")

	list := s.List()
	if len(list) != 2 || list[0].ConversationID != "a" || list[1].ConversationID != "c" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestStore_StoreResumeToken(t *testing.T) {
	s, _ := newTestStore(t)

	sess := s.StoreResumeToken("100", "/work/a", "tok-1")
	if sess.ResumeToken != "tok-1" || sess.State != StateIdle || sess.ProjectPath != "/work/a" {
		t.Errorf("unexpected session: %+v", sess)
	}

	s.UpdateState("100", StateAwaitingResponse)
	sess = s.StoreResumeToken("100", "/work/other", "tok-2")
	if sess.ResumeToken != "tok-2" {
		t.Errorf("expected tok-2, got %q", sess.ResumeToken)
	}
	if sess.State != StateIdle {
		t.Errorf("expected idle after storing token, got %s", sess.State)
	}
	if sess.ProjectPath != "/work/a" {
		t.Errorf("existing project path overwritten: %q", sess.ProjectPath)
	}

	tok, ok := s.ResumeToken("100")
	if !ok || tok != "tok-2" {
		t.Errorf("ResumeToken = %q, %v", tok, ok)
	}
}

func TestStore_ResumeTokenUnset(t *testing.T) {
	s, _ := newTestStore(t)

	if _, ok := s.ResumeToken("missing"); ok {
		t.Error("expected no token for unknown conversation")
	}

	s.Create("100", "", "")
	if _, ok := s.ResumeToken("100"); ok {
		t.Error("expected no token for fresh session")
	}
}

func TestStore_ClearSession(t *testing.T) {
	s, clock := newTestStore(t)
	s.StoreResumeToken("100", "/work/a", "tok-1")
	s.UpdateState("100", StateAwaitingInput)

	clock.advance(time.Second)
	s.ClearSession("100")
	first, _ := s.Get("100")

	if first.ResumeToken != "" || first.State != StateIdle {
		t.Errorf("expected cleared idle session, got %+v", first)
	}
	if first.ProjectPath != "/work/a" {
		t.Errorf("project path lost: %q", first.ProjectPath)
	}

	clock.advance(time.Second)
	s.ClearSession("100")
	second, _ := s.Get("100")

	if second != first {
		t.Errorf("second clear changed state:\n got: %+v\nwant: %+v", second, first)
	}
}

func TestStore_ClearSessionMissing(t *testing.T) {
	s, _ := newTestStore(t)

	s.ClearSession("missing")

	if _, ok := s.Get("missing"); ok {
		t.Error("clear must not create a session")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("chat-%d", i%4)
			for j := 0; j < 50; j++ {
				s.GetOrCreate(id, "/work")
				s.StoreResumeToken(id, "/work", fmt.Sprintf("tok-%d-%d", i, j))
				s.UpdateState(id, StateAwaitingResponse)
				s.ResumeToken(id)
				s.List()
			}
		}(i)
	}
	wg.Wait()

	list := s.List()
	if len(list) != 4 {
		t.Fatalf("expected 4 sessions, got %d", len(list))
	}
	for _, sess := range list {
		if sess.ResumeToken == "" {
			t.Errorf("%s: token lost", sess.ConversationID)
		}
	}
}
