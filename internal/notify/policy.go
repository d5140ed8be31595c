package notify

import (
	"strings"
	"time"

	"github.com/comtower/signal-turn-bot/internal/store"
)

const (
	// MinDeliveryGap drops a subscriber whose last recorded delivery for the
	// game is younger than this, regardless of frequency setting. Guards
	// against rapid-fire duplicates when events race ahead of audit writes.
	MinDeliveryGap = 30 * time.Minute

	// HourlyGap is the additional floor the hourly sweep applies. Independent
	// of MinDeliveryGap: both must pass.
	HourlyGap = time.Hour
)

// PolicyInput is everything the evaluator looks at. The evaluator itself has
// no side effects.
type PolicyInput struct {
	Subscribers    []store.Subscriber
	CurrentPlayer  string
	LastDeliveries map[string]time.Time // normalized handle → last successful delivery
	Now            time.Time

	// HourlyOnly switches to reminder-sweep mode: only hourly subscribers
	// qualify, and their last delivery must be at least HourlyGap old.
	HourlyOnly bool
}

// Evaluate returns the subset of subscribers to notify for this event.
// Rules apply in order: scope, frequency, minimum gap.
func Evaluate(in PolicyInput) []store.Subscriber {
	var out []store.Subscriber
	for _, sub := range in.Subscribers {
		if !scopeMatches(&sub, in.CurrentPlayer) {
			continue
		}

		last, hasLast := in.LastDeliveries[store.NormalizeHandle(sub.Handle)]

		switch {
		case in.HourlyOnly:
			if sub.Frequency != store.FreqHourly {
				continue
			}
			if hasLast && in.Now.Sub(last) < HourlyGap {
				continue
			}
		case sub.Frequency == store.FreqOnce && hasLast:
			continue
		}

		if hasLast && in.Now.Sub(last) < MinDeliveryGap {
			continue
		}

		out = append(out, sub)
	}
	return out
}

func scopeMatches(sub *store.Subscriber, currentPlayer string) bool {
	if sub.Scope != store.ScopeMyTurn {
		return true
	}
	// A my-turn subscriber without a player name never matches.
	name := strings.TrimSpace(sub.PlayerName)
	if name == "" {
		return false
	}
	return strings.EqualFold(name, strings.TrimSpace(currentPlayer))
}
