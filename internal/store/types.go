package store

import (
	"encoding/json"
	"strings"
	"time"
)

// SubscriberType distinguishes direct-message and group delivery targets.
type SubscriberType string

const (
	TypeDM    SubscriberType = "dm"
	TypeGroup SubscriberType = "group"
)

// Scope controls which turn changes a subscriber wants.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeMyTurn Scope = "my-turn"
)

// Frequency limits how often a subscriber is notified. Empty means every
// turn change.
type Frequency string

const (
	FreqEvery  Frequency = ""
	FreqHourly Frequency = "hourly"
	FreqOnce   Frequency = "once"
)

// Subscriber is one delivery target with its own preferences.
type Subscriber struct {
	Type           SubscriberType    `json:"type"`
	Handle         string            `json:"handle"`
	GroupID        string            `json:"groupId,omitempty"`
	GroupName      string            `json:"groupName,omitempty"`
	Mentions       []string          `json:"mentions,omitempty"`
	PlayerPhoneMap map[string]string `json:"playerPhoneMap,omitempty"`
	Scope          Scope             `json:"scope"`
	PlayerName     string            `json:"playerName,omitempty"`
	FunEnabled     bool              `json:"funEnabled"`
	Frequency      Frequency         `json:"notifyFrequency,omitempty"`
}

// IsGroup reports whether delivery is group-scoped.
func (s *Subscriber) IsGroup() bool { return s.Type == TypeGroup }

// Patch binds one game to one inviter and their subscriber list.
type Patch struct {
	ID          string       `json:"id"`
	GameID      string       `json:"gameId"`
	InviterUID  string       `json:"inviterUid"`
	Subscribers []Subscriber `json:"subscribers"`
	Extended    bool         `json:"extendedFeatures"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Fingerprint is a comparable snapshot of the subscriber list, used by the
// watcher to decide when a session must be replaced.
func (p *Patch) Fingerprint() string {
	raw, err := json.Marshal(p.Subscribers)
	if err != nil {
		return ""
	}
	return string(raw)
}

// MessageStatus is the audit lifecycle of one notification attempt.
type MessageStatus string

const (
	StatusProcessing    MessageStatus = "processing"
	StatusRendered      MessageStatus = "rendered"
	StatusSending       MessageStatus = "sending"
	StatusSent          MessageStatus = "sent"
	StatusFailed        MessageStatus = "failed"
	StatusPartialFailed MessageStatus = "partial-failed"
)

// MessageSource tags what triggered a notification.
type MessageSource string

const (
	SourceTurn   MessageSource = "turn"
	SourceHourly MessageSource = "hourly"
)

// Variant names the message flavor a subscriber receives.
type Variant string

const (
	VariantClassic Variant = "classic"
	VariantFun     Variant = "fun"
)

// Delivery is one per-recipient outcome inside a message record.
type Delivery struct {
	Handle  string  `json:"handle"`
	Variant Variant `json:"variant"`
	Status  string  `json:"status"` // "sent" | "failed"
	Error   string  `json:"error,omitempty"`
}

// MessageRecord is one row of the audit log. It is created in processing state
// before rendering and advanced through the lifecycle as dispatch progresses.
type MessageRecord struct {
	ID                string        `json:"id"`
	GameID            string        `json:"gameId"`
	PatchID           string        `json:"patchId"`
	Source            MessageSource `json:"source"`
	Status            MessageStatus `json:"status"`
	Day               int           `json:"day"`
	PlayerName        string        `json:"playerName"`
	TextClassic       string        `json:"textClassic,omitempty"`
	TextFun           string        `json:"textFun,omitempty"`
	RecipientsClassic []string      `json:"recipientsClassic,omitempty"`
	RecipientsFun     []string      `json:"recipientsFun,omitempty"`
	Deliveries        []Delivery    `json:"deliveries,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// TerminalStatus aggregates per-recipient outcomes into the record status.
func TerminalStatus(deliveries []Delivery) MessageStatus {
	sent, failed := 0, 0
	for _, d := range deliveries {
		switch d.Status {
		case "sent":
			sent++
		case "failed":
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSent
	case sent == 0:
		return StatusFailed
	default:
		return StatusPartialFailed
	}
}

// NormalizeHandle canonicalizes a handle for last-delivery lookups: trimmed and
// lowercased. Handles round-trip through audit rows unchanged otherwise, so
// digit-level normalization is not needed here.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
