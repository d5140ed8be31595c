package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/comtower/signal-turn-bot/internal/store"
)

type fakePatchSource struct {
	mu      sync.Mutex
	patches []store.Patch
	err     error
}

func (f *fakePatchSource) set(patches []store.Patch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = patches
}

func (f *fakePatchSource) ListPatches(ctx context.Context) ([]store.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches, f.err
}

func TestWatcher_SyncLifecycle(t *testing.T) {
	s := newTestSupervisor(t)
	src := &fakePatchSource{}
	w := NewWatcher(src, s, time.Hour)

	p1 := store.Patch{ID: "1-a", GameID: "1", Subscribers: []store.Subscriber{{Handle: "+1", Scope: store.ScopeAll}}}
	p2 := store.Patch{ID: "2-a", GameID: "2", Subscribers: []store.Subscriber{{Handle: "+2", Scope: store.ScopeAll}}}

	src.set([]store.Patch{p1, p2})
	w.sync()
	if s.Count() != 2 {
		t.Fatalf("expected 2 sessions after first sync, got %d", s.Count())
	}

	// Subscriber edit replaces the session; removal stops it.
	edited := p1
	edited.Subscribers = []store.Subscriber{{Handle: "+1", Scope: store.ScopeMyTurn, PlayerName: "alice"}}
	src.set([]store.Patch{edited})
	w.sync()
	if s.Count() != 1 {
		t.Fatalf("expected 1 session after removal, got %d", s.Count())
	}
	if s.Fingerprint(p1.ID) != edited.Fingerprint() {
		t.Fatalf("edited patch not replaced")
	}
}

func TestWatcher_ListErrorKeepsSessions(t *testing.T) {
	s := newTestSupervisor(t)
	src := &fakePatchSource{}
	w := NewWatcher(src, s, time.Hour)

	p1 := store.Patch{ID: "1-a", GameID: "1", Subscribers: []store.Subscriber{{Handle: "+1", Scope: store.ScopeAll}}}
	src.set([]store.Patch{p1})
	w.sync()

	src.mu.Lock()
	src.err = context.DeadlineExceeded
	src.mu.Unlock()
	w.sync()
	if s.Count() != 1 {
		t.Fatalf("a failed listing must not tear sessions down, got %d", s.Count())
	}
}

func TestWatcher_EmptySubscribersStopsSession(t *testing.T) {
	s := newTestSupervisor(t)
	src := &fakePatchSource{}
	w := NewWatcher(src, s, time.Hour)

	p1 := store.Patch{ID: "1-a", GameID: "1", Subscribers: []store.Subscriber{{Handle: "+1", Scope: store.ScopeAll}}}
	src.set([]store.Patch{p1})
	w.sync()

	drained := p1
	drained.Subscribers = nil
	src.set([]store.Patch{drained})
	w.sync()
	if s.Count() != 0 {
		t.Fatalf("patch with no subscribers must have no session, got %d", s.Count())
	}
}
