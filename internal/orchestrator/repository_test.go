package orchestrator

import (
	"sync"
	"testing"
)

func newBareSession(id CallID) *Session {
	return &Session{id: id}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	created := 0
	r := NewRegistry(func(id CallID) *Session {
		created++
		return newBareSession(id)
	})

	s1 := r.GetOrCreate("c1")
	s2 := r.GetOrCreate("c1")
	if s1 != s2 {
		t.Error("GetOrCreate returned different sessions for the same call")
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if got, ok := r.Get("c1"); !ok || got != s1 {
		t.Errorf("Get = %p, %v", got, ok)
	}
	if _, ok := r.Get("c2"); ok {
		t.Error("Get found a session that was never created")
	}
}

func TestRegistry_Remove_only_current(t *testing.T) {
	r := NewRegistry(newBareSession)
	old := r.GetOrCreate("c1")
	r.Remove(old)
	fresh := r.GetOrCreate("c1")
	if fresh == old {
		t.Fatal("expected a fresh session after Remove")
	}

	// a late removal of the old session must not drop the new one
	r.Remove(old)
	if got, ok := r.Get("c1"); !ok || got != fresh {
		t.Errorf("stale Remove dropped the current session")
	}
}

func TestRegistry_ActiveSessionCount(t *testing.T) {
	r := NewRegistry(newBareSession)
	if n := r.ActiveSessionCount(); n != 0 {
		t.Errorf("empty registry count = %d", n)
	}
	r.GetOrCreate("a")
	r.GetOrCreate("b")
	r.GetOrCreate("a")
	if n := r.ActiveSessionCount(); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if n := len(r.Sessions()); n != 2 {
		t.Errorf("len(Sessions) = %d, want 2", n)
	}
}

func TestRegistry_concurrent_GetOrCreate(t *testing.T) {
	r := NewRegistry(newBareSession)
	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.GetOrCreate("same")
		}()
	}
	wg.Wait()
	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d saw a different session", i)
		}
	}
}
