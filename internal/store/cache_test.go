package store

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	c, err := NewCacheFromURL(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("NewCacheFromURL: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_Roster(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	got, err := c.Roster(ctx, "g1")
	if err != nil || got != nil {
		t.Fatalf("miss should be (nil, nil), got %v %v", got, err)
	}

	players := []string{"alice", "bob"}
	if err := c.SaveRoster(ctx, "g1", players); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}
	got, err = c.Roster(ctx, "g1")
	if err != nil || !reflect.DeepEqual(got, players) {
		t.Fatalf("got %v %v", got, err)
	}
}

func TestCache_SaveRosterSkipsEmpty(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if err := c.SaveRoster(ctx, "g1", nil); err != nil {
		t.Fatalf("SaveRoster empty: %v", err)
	}
	if got, _ := c.Roster(ctx, "g1"); got != nil {
		t.Fatalf("empty roster must not be stored, got %v", got)
	}
}

func TestCache_GameName(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if name, err := c.GameName(ctx, "g1"); err != nil || name != "" {
		t.Fatalf("miss should be empty, got %q %v", name, err)
	}
	if err := c.SaveGameName(ctx, "g1", "Fog Duel"); err != nil {
		t.Fatalf("SaveGameName: %v", err)
	}
	if name, _ := c.GameName(ctx, "g1"); name != "Fog Duel" {
		t.Fatalf("got %q", name)
	}
}

func TestCache_GroupID(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if id, err := c.GroupID(ctx, "https://signal.group/#abc"); err != nil || id != "" {
		t.Fatalf("miss should be empty, got %q %v", id, err)
	}
	if err := c.SaveGroupID(ctx, "https://signal.group/#abc", "group.resolved"); err != nil {
		t.Fatalf("SaveGroupID: %v", err)
	}
	if id, _ := c.GroupID(ctx, "https://signal.group/#abc"); id != "group.resolved" {
		t.Fatalf("got %q", id)
	}
}
