package domain

import "time"

// Direction of an envelope relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Attachment references a file carried with a platform message.
type Attachment struct {
	URL      string
	Filename string
}

// RawEvent is one platform message as the adapter saw it, before
// normalization into an Envelope.
type RawEvent struct {
	Platform    Platform
	AgentID     string
	ChatID      string
	MessageID   string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

func (e RawEvent) Key() BindingKey {
	return BindingKey{AgentID: e.AgentID, Platform: e.Platform}
}

// Envelope is the canonical routable form of one chat message. Immutable
// once created; carries enough context (agent, platform, chat) to route a
// reply back through the originating connection. Short-lived: the core
// never persists envelopes except on the dead-letter path.
type Envelope struct {
	ID          string
	Platform    Platform
	AgentID     string
	ChatID      string
	MessageID   string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []Attachment
	Direction   Direction
	Timestamp   time.Time
}
