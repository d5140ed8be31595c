package awbw

import "testing"

func TestParseFrame_NextTurn(t *testing.T) {
	ev := ParseFrame([]byte(`{"type":"NextTurn","day":12,"playerId":9981,"playerName":" alice "}`))
	tc, ok := ev.(TurnChange)
	if !ok {
		t.Fatalf("expected TurnChange, got %T", ev)
	}
	if tc.Day != 12 || tc.PlayerID != 9981 || tc.PlayerName != "alice" {
		t.Fatalf("unexpected fields: %+v", tc)
	}
}

func TestParseFrame_GameOver(t *testing.T) {
	if _, ok := ParseFrame([]byte(`{"type":"GameOver"}`)).(GameOver); !ok {
		t.Fatalf("expected GameOver")
	}
}

func TestParseFrame_UnknownType(t *testing.T) {
	ev := ParseFrame([]byte(`{"type":"ChatMessage","text":"hi"}`))
	u, ok := ev.(Unknown)
	if !ok || u.Type != "ChatMessage" {
		t.Fatalf("expected Unknown ChatMessage, got %#v", ev)
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	ev := ParseFrame([]byte(`not json at all`))
	u, ok := ev.(Unknown)
	if !ok || u.Type != "unparseable" {
		t.Fatalf("expected unparseable Unknown, got %#v", ev)
	}
}
