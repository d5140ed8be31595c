package bridgedto

// Wire types for the signal-cli REST bridge. Kept in pkg/ so operator tooling
// can share them with the bot.

// MentionGlyph is the placeholder character the bridge replaces with a styled
// mention. It is appended to the message body and addressed via Mention offsets.
const MentionGlyph = "￼"

// Mention marks a span of the message as a mention of a single account.
type Mention struct {
	Start  int    `json:"start"`
	Length int    `json:"length"`
	Author string `json:"author"`
}

// SendRequest is the POST /v2/send payload.
// Group sends carry the group id inside Recipients; the bridge requires a
// non-empty recipients array even for group-scoped delivery.
type SendRequest struct {
	Number     string    `json:"number"`
	Message    string    `json:"message"`
	Recipients []string  `json:"recipients"`
	Mentions   []Mention `json:"mentions,omitempty"`
}

// SendResponse is the bridge's acknowledgement.
type SendResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorResponse is the bridge's error payload shape.
type ErrorResponse struct {
	Error string `json:"error"`
}
