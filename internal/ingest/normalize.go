// Package ingest turns raw platform webhook batches into stored messages,
// automated replies, and realtime fanout.
package ingest

import (
	"strings"

	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/platform/graph"
)

// Batch is the body of one webhook delivery. A single call may carry events
// for several channels and several messages per channel.
type Batch struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string           `json:"id"`
	Messaging []MessagingEvent `json:"messaging"`
	Changes   []Change         `json:"changes"`
}

type MessagingEvent struct {
	Sender    Party          `json:"sender"`
	Recipient Party          `json:"recipient"`
	Message   MessagePayload `json:"message"`
}

type Party struct {
	ID string `json:"id"`
}

type MessagePayload struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	URL string `json:"url"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	Messages []DirectMessage `json:"messages"`
}

type DirectMessage struct {
	From        Party        `json:"from"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

// Event is one normalized inbound message, platform shape erased.
type Event struct {
	ChannelID      string
	CounterpartyID string
	ChannelKind    string
	Text           string
	AttachmentURLs []string
	// Echo marks a message sent by our own side and mirrored back by the
	// platform. Echoes are stored but never answered.
	Echo bool
}

// Key returns the conversation the event belongs to.
func (e Event) Key() conversation.Key {
	return conversation.Key{ChannelID: e.ChannelID, CounterpartyID: e.CounterpartyID}
}

// Normalize flattens a webhook batch into independent events. Events missing
// a counterparty or carrying neither text nor attachments are dropped.
func Normalize(batch Batch) []Event {
	var out []Event
	for _, entry := range batch.Entry {
		if entry.ID == "" {
			continue
		}
		for _, msg := range entry.Messaging {
			ev := Event{
				ChannelID:   entry.ID,
				ChannelKind: graph.KindMessenger,
				Echo:        msg.Message.IsEcho,
				Text:        strings.TrimSpace(msg.Message.Text),
			}
			// On an echo the platform swaps the endpoints: sender is the
			// page, recipient is the customer.
			if msg.Message.IsEcho {
				ev.CounterpartyID = msg.Recipient.ID
			} else {
				ev.CounterpartyID = msg.Sender.ID
			}
			ev.AttachmentURLs = attachmentURLs(msg.Message.Attachments)
			if usableEvent(ev) {
				out = append(out, ev)
			}
		}
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev := Event{
					ChannelID:      entry.ID,
					ChannelKind:    graph.KindInstagram,
					CounterpartyID: msg.From.ID,
					Text:           strings.TrimSpace(msg.Text),
					AttachmentURLs: attachmentURLs(msg.Attachments),
				}
				if usableEvent(ev) {
					out = append(out, ev)
				}
			}
		}
	}
	return out
}

func attachmentURLs(atts []Attachment) []string {
	var urls []string
	for _, a := range atts {
		if a.Payload.URL != "" {
			urls = append(urls, a.Payload.URL)
		}
	}
	return urls
}

func usableEvent(ev Event) bool {
	if ev.CounterpartyID == "" {
		return false
	}
	return ev.Text != "" || len(ev.AttachmentURLs) > 0
}
