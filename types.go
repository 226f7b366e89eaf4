package chatsync

import (
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Message is one chat message between the session user and a partner.
// SenderID is always the author and ReceiverID the addressee.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	FromSelf   bool      `json:"fromSelf"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`
}

// PartnerID returns the participant that is not the session user.
func (m Message) PartnerID() string {
	if m.FromSelf {
		return m.ReceiverID
	}
	return m.SenderID
}

// Inbound reports whether the message was written by the partner.
func (m Message) Inbound() bool {
	return !m.FromSelf
}

// conflicts reports whether two observations of the same id disagree on
// anything other than the read flag, which may legitimately advance.
func (m Message) conflicts(other Message) bool {
	return m.SenderID != other.SenderID ||
		m.ReceiverID != other.ReceiverID ||
		m.Content != other.Content ||
		!m.CreatedAt.Equal(other.CreatedAt)
}

// newerThan orders messages by creation time, breaking exact ties by id so
// that the outcome does not depend on arrival order.
func (m Message) newerThan(t time.Time, id string) bool {
	if m.CreatedAt.Equal(t) {
		return m.ID > id
	}
	return m.CreatedAt.After(t)
}

// Conversation summarizes the exchange with one partner.
type Conversation struct {
	PartnerID       string    `json:"partnerId"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageID   string    `json:"lastMessageId"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// MessageSource names where an observation of a message came from.
type MessageSource string

const (
	SourceFetch   MessageSource = "fetch"
	SourcePush    MessageSource = "push"
	SourceSend    MessageSource = "send"
	SourceStorage MessageSource = "storage"
	SourceWebhook MessageSource = "webhook"
)
