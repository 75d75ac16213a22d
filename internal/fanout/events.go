package fanout

import "time"

const (
	EventMessage    = "message"
	EventAssignment = "assignment"
)

// Envelope is the wire shape delivered to every realtime subscriber.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// MessageEvent announces a newly stored message in a conversation.
type MessageEvent struct {
	ConversationID string    `json:"conversationId"`
	CustomerName   string    `json:"customerName"`
	CustomerAvatar string    `json:"customerAvatar,omitempty"`
	Sender         string    `json:"sender"`
	ActorRole      string    `json:"actorRole"`
	ActorName      string    `json:"actorName,omitempty"`
	Body           string    `json:"body"`
	ChannelKind    string    `json:"channelKind"`
	ChannelID      string    `json:"channelId"`
	Timestamp      time.Time `json:"timestamp"`
}

// AssignmentEvent announces an assignment or delivery-status change.
type AssignmentEvent struct {
	ConversationID string    `json:"conversationId"`
	AssigneeID     string    `json:"assigneeId,omitempty"`
	DeliveryStatus string    `json:"deliveryStatus"`
	AssignedAt     time.Time `json:"assignedAt"`
}
