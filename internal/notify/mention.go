package notify

import (
	"strings"
	"unicode/utf8"

	"github.com/comtower/signal-turn-bot/internal/store"
	"github.com/comtower/signal-turn-bot/internal/util"
	"github.com/comtower/signal-turn-bot/pkg/bridgedto"
)

// withMention appends mention markup for a group subscriber. Exactly one
// number is mentioned: the phone mapped to the active player when available,
// else the first entry of the explicit mentions list. Subscribers with neither
// get the text unchanged.
func withMention(text string, sub *store.Subscriber, currentPlayer string) (string, []bridgedto.Mention) {
	phone := mentionPhone(sub, currentPlayer)
	if phone == "" {
		return text, nil
	}

	body := text + " " + bridgedto.MentionGlyph
	start := utf8.RuneCountInString(text) + 1
	return body, []bridgedto.Mention{{
		Start:  start,
		Length: 1,
		Author: util.NormalizePhone(phone),
	}}
}

func mentionPhone(sub *store.Subscriber, currentPlayer string) string {
	player := strings.TrimSpace(currentPlayer)
	if player != "" {
		for name, phone := range sub.PlayerPhoneMap {
			if strings.EqualFold(strings.TrimSpace(name), player) && strings.TrimSpace(phone) != "" {
				return phone
			}
		}
	}
	for _, m := range sub.Mentions {
		if strings.TrimSpace(m) != "" {
			return m
		}
	}
	return ""
}
