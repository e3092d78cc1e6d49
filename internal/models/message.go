package models

import (
	"time"
)

type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	FileMessage  MessageType = "file"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses so that sent < delivered < read.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Below returns the statuses a message may be advanced from to reach s.
func (s MessageStatus) Below() []MessageStatus {
	out := make([]MessageStatus, 0, 2)
	for _, st := range []MessageStatus{StatusSent, StatusDelivered} {
		if st.Rank() < s.Rank() {
			out = append(out, st)
		}
	}
	return out
}

// Message is a chat message. ID is supplied by the enqueuer so persistence is idempotent.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     *string       `json:"receiver_id,omitempty"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	Deleted        bool          `json:"deleted"`
	CreatedAt      time.Time     `json:"created_at"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

type ConversationParticipant struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UnreadCount    int64  `json:"unread_count"`
}

// ReceiptKind distinguishes delivery from read confirmations.
type ReceiptKind string

const (
	ReceiptDelivery ReceiptKind = "delivery"
	ReceiptRead     ReceiptKind = "read"
)

// Status returns the message status a receipt advances to.
func (k ReceiptKind) Status() MessageStatus {
	if k == ReceiptRead {
		return StatusRead
	}
	return StatusDelivered
}

// Receipt asks for the status of a set of messages to move forward for UserID.
type Receipt struct {
	Kind           ReceiptKind `json:"kind"`
	UserID         string      `json:"user_id"`
	MessageIDs     []string    `json:"message_ids"`
	ConversationID string      `json:"conversation_id,omitempty"`
	At             time.Time   `json:"at"`
}

// PersistResult reports what a message write changed.
type PersistResult struct {
	Inserted bool
	// Unread holds the new unread counts of every participant that was incremented.
	Unread []ConversationParticipant
}

// ReceiptResult reports what a receipt write changed.
type ReceiptResult struct {
	Updated int64
	// Missing are ids that do not exist in the store yet.
	Missing []string
}
