package fanout

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case data := <-sub.C():
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestMessageAudiences(t *testing.T) {
	assert.Equal(t, []string{"admin", "unclaimed"}, MessageAudiences(""))
	assert.Equal(t, []string{"admin", "operator:op-1"}, MessageAudiences("op-1"))
}

func TestAssignmentAudiencesReachBothSides(t *testing.T) {
	got := AssignmentAudiences("op-x", "op-y")
	assert.ElementsMatch(t, []string{"admin", "operator:op-x", "operator:op-y"}, got)
}

func TestAssignmentAudiencesUnassignmentReachesPool(t *testing.T) {
	got := AssignmentAudiences("op-x", "")
	assert.ElementsMatch(t, []string{"admin", "operator:op-x", "unclaimed"}, got)
}

func TestAssignmentAudiencesClaimFromPoolReachesPool(t *testing.T) {
	got := AssignmentAudiences("", "op-y")
	assert.ElementsMatch(t, []string{"admin", "operator:op-y", "unclaimed"}, got)
}

func TestAssignmentAudiencesSameAssigneeOnce(t *testing.T) {
	got := AssignmentAudiences("op-x", "op-x")
	assert.ElementsMatch(t, []string{"admin", "operator:op-x"}, got)
}

func TestPublishRoutesByAudience(t *testing.T) {
	hub := NewHub(nil)
	admin := hub.Subscribe(AudienceAdmin)
	alice := hub.Subscribe(OperatorAudience("op-alice"), AudienceUnclaimed)
	bob := hub.Subscribe(OperatorAudience("op-bob"), AudienceUnclaimed)

	hub.PublishMessage(MessageAudiences("op-alice"), MessageEvent{
		ConversationID: "104223_88441122",
		Sender:         "customer",
		ActorRole:      "customer",
		Body:           "hello",
		ChannelKind:    "messenger",
		ChannelID:      "104223",
		Timestamp:      time.Now(),
	})

	require.Len(t, drain(t, admin), 1)
	require.Len(t, drain(t, alice), 1)
	assert.Empty(t, drain(t, bob))
}

func TestPublishUnclaimedReachesEveryOperator(t *testing.T) {
	hub := NewHub(nil)
	alice := hub.Subscribe(OperatorAudience("op-alice"), AudienceUnclaimed)
	bob := hub.Subscribe(OperatorAudience("op-bob"), AudienceUnclaimed)

	hub.PublishMessage(MessageAudiences(""), MessageEvent{ConversationID: "c", Body: "new lead"})

	require.Len(t, drain(t, alice), 1)
	require.Len(t, drain(t, bob), 1)
}

func TestPublishDeliversOncePerSubscriber(t *testing.T) {
	hub := NewHub(nil)
	// Member of two matching audiences still gets a single copy.
	sub := hub.Subscribe(AudienceAdmin, AudienceUnclaimed)

	hub.PublishMessage(MessageAudiences(""), MessageEvent{ConversationID: "c"})

	assert.Len(t, drain(t, sub), 1)
}

func TestReassignmentEventSeenByBothOperators(t *testing.T) {
	hub := NewHub(nil)
	prev := hub.Subscribe(OperatorAudience("op-x"))
	next := hub.Subscribe(OperatorAudience("op-y"))

	assignedAt := time.Now()
	hub.PublishAssignment(AssignmentAudiences("op-x", "op-y"), AssignmentEvent{
		ConversationID: "104223_88441122",
		AssigneeID:     "op-y",
		DeliveryStatus: "confirmed",
		AssignedAt:     assignedAt,
	})

	for _, sub := range []*Subscriber{prev, next} {
		got := drain(t, sub)
		require.Len(t, got, 1)
		assert.Equal(t, EventAssignment, got[0].Type)
		payload, err := json.Marshal(got[0].Payload)
		require.NoError(t, err)
		var ev AssignmentEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		assert.Equal(t, "op-y", ev.AssigneeID)
		assert.Equal(t, "104223_88441122", ev.ConversationID)
	}
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	hub := NewHub(nil)
	assert.NotPanics(t, func() {
		hub.PublishMessage(MessageAudiences(""), MessageEvent{ConversationID: "c"})
	})
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(AudienceAdmin)
	hub.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)

	hub.PublishMessage(MessageAudiences(""), MessageEvent{ConversationID: "c"})
}
