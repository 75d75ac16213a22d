// Package conversation owns the durable message log and the
// one-row-per-conversation lock/assignment record.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sender classifies who produced a message, independent of direction.
type Sender string

const (
	SenderCustomer  Sender = "customer"
	SenderAssistant Sender = "assistant"
)

// ActorRole is the display-facing role tag on a message.
type ActorRole string

const (
	RoleCustomer  ActorRole = "customer"
	RoleAdmin     ActorRole = "admin"
	RoleOperator  ActorRole = "operator"
	RoleAssistant ActorRole = "assistant"
)

// DeliveryStatus tracks the fulfilment state of a conversation.
type DeliveryStatus string

const (
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusHold      DeliveryStatus = "hold"
	StatusCancel    DeliveryStatus = "cancel"
	StatusDelivered DeliveryStatus = "delivered"
)

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusConfirmed, StatusHold, StatusCancel, StatusDelivered:
		return true
	}
	return false
}

// ErrLockConflict is returned when a conversation is assigned to another
// operator. Callers must abort the triggering operation with no side effects.
var ErrLockConflict = errors.New("conversation assigned to another operator")

// ErrNotFound is returned when a referenced message or conversation is absent.
var ErrNotFound = errors.New("not found")

// Key is the composite conversation identifier.
type Key struct {
	ChannelID      string
	CounterpartyID string
}

// String serializes the key as "<channelID>_<counterpartyID>".
func (k Key) String() string {
	return k.ChannelID + "_" + k.CounterpartyID
}

// ParseKey splits a serialized conversation key. Channel ids never contain
// underscores on the supported platforms, so the first underscore is the
// separator.
func ParseKey(s string) (Key, error) {
	idx := strings.Index(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return Key{}, fmt.Errorf("malformed conversation key: %q", s)
	}
	return Key{ChannelID: s[:idx], CounterpartyID: s[idx+1:]}, nil
}

// Message is one immutable entry in a conversation log.
// ID is assigned by the store and is the authoritative tie-break when
// timestamps collide.
type Message struct {
	ID               int64     `json:"id"`
	ConversationID   string    `json:"conversationId"`
	CustomerName     string    `json:"customerName"`
	CustomerAvatar   string    `json:"customerAvatar"`
	Sender           Sender    `json:"sender"`
	ActorRole        ActorRole `json:"actorRole"`
	ActorName        string    `json:"actorName,omitempty"`
	Body             string    `json:"body"`
	ReplyToMessageID int64     `json:"replyToMessageId,omitempty"`
	ChannelKind      string    `json:"channelKind"`
	ChannelID        string    `json:"channelId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Assignment is the lock/assignment row for one conversation.
// An empty OperatorID means the conversation is unclaimed.
type Assignment struct {
	ConversationID string         `json:"conversationId"`
	OperatorID     string         `json:"operatorId,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	LockedAt       time.Time      `json:"lockedAt"`
	AssignedAt     time.Time      `json:"assignedAt,omitempty"`
}

// Summary is one row of a conversation listing: the latest message plus the
// assignment state, if any.
type Summary struct {
	ConversationID string         `json:"conversationId"`
	CustomerName   string         `json:"customerName"`
	CustomerAvatar string         `json:"customerAvatar"`
	LastBody       string         `json:"lastBody"`
	LastSender     Sender         `json:"lastSender"`
	ChannelKind    string         `json:"channelKind"`
	ChannelID      string         `json:"channelId"`
	LastMessageAt  time.Time      `json:"lastMessageAt"`
	OperatorID     string         `json:"operatorId,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
}
