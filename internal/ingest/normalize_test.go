package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessengerText(t *testing.T) {
	raw := `{
		"object": "page",
		"entry": [{
			"id": "104223",
			"messaging": [{
				"sender": {"id": "88441122"},
				"recipient": {"id": "104223"},
				"message": {"mid": "m1", "text": "  hello  "}
			}]
		}]
	}`
	var batch Batch
	require.NoError(t, json.Unmarshal([]byte(raw), &batch))

	events := Normalize(batch)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "104223", ev.ChannelID)
	assert.Equal(t, "88441122", ev.CounterpartyID)
	assert.Equal(t, "messenger", ev.ChannelKind)
	assert.Equal(t, "hello", ev.Text)
	assert.False(t, ev.Echo)
	assert.Equal(t, "104223_88441122", ev.Key().String())
}

func TestNormalizeEchoSwapsCounterparty(t *testing.T) {
	batch := Batch{Entry: []Entry{{
		ID: "104223",
		Messaging: []MessagingEvent{{
			Sender:    Party{ID: "104223"},
			Recipient: Party{ID: "88441122"},
			Message:   MessagePayload{Text: "we sent this", IsEcho: true},
		}},
	}}}

	events := Normalize(batch)
	require.Len(t, events, 1)
	assert.True(t, events[0].Echo)
	assert.Equal(t, "88441122", events[0].CounterpartyID, "echo keys the conversation by the customer, not the page")
}

func TestNormalizeInstagramChanges(t *testing.T) {
	batch := Batch{Entry: []Entry{{
		ID: "17841400",
		Changes: []Change{{
			Field: "messages",
			Value: ChangeValue{Messages: []DirectMessage{
				{From: Party{ID: "ig-user-1"}, Text: "price?"},
				{From: Party{ID: "ig-user-2"}, Attachments: []Attachment{
					{Type: "image", Payload: AttachmentPayload{URL: "https://cdn.example/a.jpg"}},
				}},
			}},
		}},
	}}}

	events := Normalize(batch)
	require.Len(t, events, 2)
	assert.Equal(t, "instagram", events[0].ChannelKind)
	assert.Equal(t, "price?", events[0].Text)
	assert.Equal(t, []string{"https://cdn.example/a.jpg"}, events[1].AttachmentURLs)
}

func TestNormalizeDropsUnusableEvents(t *testing.T) {
	batch := Batch{Entry: []Entry{
		{ID: ""},
		{ID: "104223", Messaging: []MessagingEvent{
			{Sender: Party{ID: ""}, Message: MessagePayload{Text: "no sender"}},
			{Sender: Party{ID: "88441122"}, Message: MessagePayload{}},
		}},
	}}

	assert.Empty(t, Normalize(batch))
}

func TestNormalizeBatchSpansChannels(t *testing.T) {
	batch := Batch{Entry: []Entry{
		{ID: "page-a", Messaging: []MessagingEvent{
			{Sender: Party{ID: "u1"}, Message: MessagePayload{Text: "one"}},
			{Sender: Party{ID: "u2"}, Message: MessagePayload{Text: "two"}},
		}},
		{ID: "page-b", Messaging: []MessagingEvent{
			{Sender: Party{ID: "u3"}, Message: MessagePayload{Text: "three"}},
		}},
	}}

	events := Normalize(batch)
	require.Len(t, events, 3)
	assert.Equal(t, "page-a", events[0].ChannelID)
	assert.Equal(t, "page-b", events[2].ChannelID)
}
