package session

import (
	"context"
	"testing"
	"time"

	"github.com/toolmux/toolmux/internal/agent"
	"github.com/toolmux/toolmux/pkg/provider/llm/mock"
)

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	id := r.Create(5, 9)
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	s, ok := r.Get(id)
	if !ok {
		t.Fatal("Get returned not-found for a live session")
	}
	if s.AssistantID != 5 || s.UserID != 9 {
		t.Errorf("session = assistant %d user %d, want 5/9", s.AssistantID, s.UserID)
	}
	if len(s.Messages) != 0 {
		t.Errorf("new session has %d messages, want 0", len(s.Messages))
	}

	if _, ok := r.Get("no-such-session"); ok {
		t.Error("Get returned a session for an unknown id")
	}
}

func TestAppendMessage(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create(5, 1)

	if !r.AppendMessage(id, "user", "hi") {
		t.Fatal("AppendMessage returned false for a live session")
	}

	s, _ := r.Get(id)
	if len(s.Messages) != 1 {
		t.Fatalf("message count = %d, want 1", len(s.Messages))
	}
	if s.Messages[0].Role != "user" || s.Messages[0].Content != "hi" {
		t.Errorf("message = %q/%q, want user/hi", s.Messages[0].Role, s.Messages[0].Content)
	}
	if s.Messages[0].Timestamp.IsZero() {
		t.Error("message timestamp not set")
	}

	if r.AppendMessage("no-such-session", "user", "hi") {
		t.Error("AppendMessage returned true for an unknown id")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create(1, 1)
	r.AppendMessage(id, "user", "hi")

	s, _ := r.Get(id)
	s.Messages[0].Content = "tampered"

	again, _ := r.Get(id)
	if again.Messages[0].Content != "hi" {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

func TestCloseRemovesSession(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create(5, 1)
	r.AppendMessage(id, "user", "hi")

	if !r.Close(id) {
		t.Fatal("Close returned false for a live session")
	}
	if _, ok := r.Get(id); ok {
		t.Error("Get returned a session after Close")
	}
	if r.Close(id) {
		t.Error("second Close returned true")
	}
	if r.AppendMessage(id, "user", "again") {
		t.Error("AppendMessage succeeded on a closed session")
	}
}

func TestCloseReleasesAgentReference(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create(1, 1)

	a, err := agent.New(agent.Config{Name: "helper", Provider: &mock.Provider{}})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if !r.BindAgent(id, a) {
		t.Fatal("BindAgent returned false")
	}

	s, _ := r.Get(id)
	if s.Agent != a {
		t.Error("snapshot does not carry the bound agent")
	}

	// Closing the session must not touch the agent itself.
	r.Close(id)
	if a.Name() != "helper" {
		t.Error("agent mutated by session close")
	}
	if r.BindAgent(id, a) {
		t.Error("BindAgent succeeded on a closed session")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for range 3 {
		r.Create(1, 1)
	}

	if n := r.CloseAll(); n != 3 {
		t.Errorf("CloseAll = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if n := r.CloseAll(); n != 0 {
		t.Errorf("CloseAll on empty registry = %d, want 0", n)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithIdleTimeout(50 * time.Millisecond))

	stale := r.Create(1, 1)
	fresh := r.Create(1, 1)

	time.Sleep(60 * time.Millisecond)

	// Activity inside the idle window protects a session from the sweep.
	r.AppendMessage(fresh, "user", "still here")

	if n := r.SweepExpired(time.Now()); n != 1 {
		t.Errorf("SweepExpired = %d, want 1", n)
	}
	if _, ok := r.Get(stale); ok {
		t.Error("stale session survived the sweep")
	}
	if _, ok := r.Get(fresh); !ok {
		t.Error("fresh session was swept")
	}
}

func TestGetRefreshesSlidingExpiry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithIdleTimeout(50 * time.Millisecond))
	id := r.Create(1, 1)

	// Keep touching the session via Get; it must never expire while active.
	for range 3 {
		time.Sleep(30 * time.Millisecond)
		if _, ok := r.Get(id); !ok {
			t.Fatal("session expired despite recent Get")
		}
		if n := r.SweepExpired(time.Now()); n != 0 {
			t.Fatalf("SweepExpired evicted %d, want 0", n)
		}
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	s1 := r.Create(1, 100)
	r.Create(2, 100)
	r.Create(1, 200)
	r.AppendMessage(s1, "user", "hi")

	if got := len(r.List(Filter{})); got != 3 {
		t.Errorf("unfiltered List = %d entries, want 3", got)
	}
	if got := len(r.List(Filter{UserID: 100})); got != 2 {
		t.Errorf("List(user 100) = %d entries, want 2", got)
	}
	if got := len(r.List(Filter{AssistantID: 1})); got != 2 {
		t.Errorf("List(assistant 1) = %d entries, want 2", got)
	}

	only := r.List(Filter{UserID: 100, AssistantID: 1})
	if len(only) != 1 {
		t.Fatalf("List(user 100, assistant 1) = %d entries, want 1", len(only))
	}
	if only[0].ID != s1 || only[0].MessageCount != 1 {
		t.Errorf("summary = %+v, want id %s with 1 message", only[0], s1)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithIdleTimeout(10 * time.Millisecond))
	r.Create(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, 20*time.Millisecond)
		close(done)
	}()

	// Wait for at least one sweep to fire.
	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted the idle session")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
