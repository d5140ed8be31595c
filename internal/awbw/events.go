package awbw

import (
	"encoding/json"
	"strings"
)

// Event is the decoded form of one socket frame. Exactly one of the concrete
// types below comes out of ParseFrame; callers switch on the type.
type Event interface{ eventKind() string }

// TurnChange signals that play passed to a new player.
type TurnChange struct {
	Day        int    `json:"day"`
	PlayerID   int64  `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// GameOver signals that the game finished.
type GameOver struct{}

// Unknown wraps any frame whose type we do not recognize. Callers log and drop
// these instead of guessing at field names.
type Unknown struct {
	Type string
}

func (TurnChange) eventKind() string { return "NextTurn" }
func (GameOver) eventKind() string   { return "GameOver" }
func (u Unknown) eventKind() string  { return u.Type }

type frame struct {
	Type       string `json:"type"`
	Day        int    `json:"day"`
	PlayerID   int64  `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// ParseFrame decodes a raw socket frame into an Event. Malformed payloads and
// unrecognized types both come back as Unknown.
func ParseFrame(raw []byte) Event {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Unknown{Type: "unparseable"}
	}
	switch f.Type {
	case "NextTurn":
		return TurnChange{Day: f.Day, PlayerID: f.PlayerID, PlayerName: strings.TrimSpace(f.PlayerName)}
	case "GameOver":
		return GameOver{}
	default:
		return Unknown{Type: f.Type}
	}
}
