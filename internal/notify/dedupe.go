package notify

import (
	"sync"
	"time"
)

const (
	// Two identical turn events inside this window are one event.
	dupeWindow = 5 * time.Second
	// Entries older than this are pruned from the sliding window.
	dupeRetention = time.Minute
)

type turnKey struct {
	PatchID  string
	GameID   string
	Day      int
	PlayerID int64
}

// Deduper collapses duplicate turn-change frames. The upstream socket replays
// the current turn on reconnect, so the same (game, day, player) tuple can
// arrive more than once in quick succession. Keyed per patch: sibling patches
// on the same game each run their own dispatch cycle.
type Deduper struct {
	mu   sync.Mutex
	seen map[turnKey]time.Time
	now  func() time.Time
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[turnKey]time.Time), now: time.Now}
}

// Duplicate records the event and reports whether it repeats one seen within
// the dupe window.
func (d *Deduper) Duplicate(patchID, gameID string, day int, playerID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) > dupeRetention {
			delete(d.seen, k)
		}
	}

	k := turnKey{PatchID: patchID, GameID: gameID, Day: day, PlayerID: playerID}
	if t, ok := d.seen[k]; ok && now.Sub(t) <= dupeWindow {
		return true
	}
	d.seen[k] = now
	return false
}
