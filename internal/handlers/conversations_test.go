package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
)

type fakeConvStore struct {
	summaries []conversation.Summary
	messages  map[string][]conversation.Message
}

func (s *fakeConvStore) ListConversations(context.Context) ([]conversation.Summary, error) {
	return s.summaries, nil
}

func (s *fakeConvStore) ListMessages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	return s.messages[conversationID], nil
}

type fakeAssignments struct {
	assignees  map[string]string
	reassigned []string
	statusSet  conversation.DeliveryStatus
	statusErr  error
}

func (a *fakeAssignments) Assignee(_ context.Context, conversationID string) (string, error) {
	return a.assignees[conversationID], nil
}

func (a *fakeAssignments) SetDeliveryStatus(_ context.Context, conversationID, operatorID string, status conversation.DeliveryStatus) (conversation.Assignment, error) {
	if a.statusErr != nil {
		return conversation.Assignment{}, a.statusErr
	}
	a.statusSet = status
	return conversation.Assignment{
		ConversationID: conversationID,
		OperatorID:     operatorID,
		DeliveryStatus: status,
		AssignedAt:     time.Now(),
	}, nil
}

func (a *fakeAssignments) Reassign(_ context.Context, conversationID, newOperatorID string) (string, conversation.Assignment, error) {
	previous := a.assignees[conversationID]
	a.assignees[conversationID] = newOperatorID
	a.reassigned = append(a.reassigned, conversationID+"="+newOperatorID)
	return previous, conversation.Assignment{
		ConversationID: conversationID,
		OperatorID:     newOperatorID,
		DeliveryStatus: conversation.StatusConfirmed,
		AssignedAt:     time.Now(),
	}, nil
}

type fakeAssignmentHub struct {
	audiences [][]string
	events    []fanout.AssignmentEvent
}

func (h *fakeAssignmentHub) PublishAssignment(audiences []string, ev fanout.AssignmentEvent) {
	h.audiences = append(h.audiences, audiences)
	h.events = append(h.events, ev)
}

func newConversationsFixture() (*ConversationsHandler, *fakeConvStore, *fakeAssignments, *fakeAssignmentHub) {
	store := &fakeConvStore{
		summaries: []conversation.Summary{
			{ConversationID: "page1_cust1", OperatorID: "op-alice"},
			{ConversationID: "page1_cust2", OperatorID: "op-bob"},
			{ConversationID: "page1_cust3"},
		},
		messages: map[string][]conversation.Message{
			"page1_cust1": {{ID: 1, Body: "hello"}},
		},
	}
	locks := &fakeAssignments{assignees: map[string]string{
		"page1_cust1": "op-alice",
		"page1_cust2": "op-bob",
	}}
	hub := &fakeAssignmentHub{}
	h := NewConversationsHandler(slog.Default(), store, locks, nil, hub)
	return h, store, locks, hub
}

func TestListAdminSeesEverything(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, rec := authedContext(t, e, http.MethodGet, "/api/conversations", nil, adminIdentity())

	require.NoError(t, h.List(c))
	var got []conversation.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 3)
}

func TestListOperatorSeesOwnAndUnclaimed(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, rec := authedContext(t, e, http.MethodGet, "/api/conversations", nil, operatorIdentity("op-alice", "Alice"))

	require.NoError(t, h.List(c))
	var got []conversation.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "page1_cust1", got[0].ConversationID)
	assert.Equal(t, "page1_cust3", got[1].ConversationID)
}

func TestMessagesLockedConversationForbidden(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, _ := authedContext(t, e, http.MethodGet, "/api/conversations/page1_cust2/messages", nil, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust2")

	err := h.Messages(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httpStatus(t, err))
}

func TestMessagesAdminBypassesLock(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, rec := authedContext(t, e, http.MethodGet, "/api/conversations/page1_cust1/messages", nil, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	require.NoError(t, h.Messages(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestMessagesOwnAssignmentAllowed(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, rec := authedContext(t, e, http.MethodGet, "/api/conversations/page1_cust1/messages", nil, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	require.NoError(t, h.Messages(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMessagesMalformedKeyRejected(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	c, _ := authedContext(t, e, http.MethodGet, "/api/conversations/nokey/messages", nil, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("nokey")

	err := h.Messages(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}

func TestAssignmentMalformedKeyRejected(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"operatorId":"op-bob"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/nokey/assignment", body, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("nokey")

	err := h.UpdateAssignment(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}

func TestAssignmentOperatorCannotReassign(t *testing.T) {
	h, _, locks, _ := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"operatorId":"op-bob"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	err := h.UpdateAssignment(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httpStatus(t, err))
	assert.Empty(t, locks.reassigned)
}

func TestAssignmentAdminCannotSetStatus(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"deliveryStatus":"hold"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	err := h.UpdateAssignment(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httpStatus(t, err))
}

func TestAssignmentAdminReassignNotifiesBothOperators(t *testing.T) {
	h, _, locks, hub := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"operatorId":"op-bob"}`)
	c, rec := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	require.NoError(t, h.UpdateAssignment(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"page1_cust1=op-bob"}, locks.reassigned)

	require.Len(t, hub.audiences, 1)
	assert.ElementsMatch(t, []string{fanout.AudienceAdmin, "operator:op-alice", "operator:op-bob"}, hub.audiences[0])
	assert.Equal(t, "op-bob", hub.events[0].AssigneeID)
}

func TestAssignmentUnassignAliasReleasesToPool(t *testing.T) {
	h, _, locks, hub := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"operatorId":"unassign"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, adminIdentity())
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	require.NoError(t, h.UpdateAssignment(c))
	assert.Equal(t, "", locks.assignees["page1_cust1"])

	require.Len(t, hub.audiences, 1)
	assert.ElementsMatch(t, []string{fanout.AudienceAdmin, "operator:op-alice", fanout.AudienceUnclaimed}, hub.audiences[0])
	assert.Empty(t, hub.events[0].AssigneeID)
}

func TestAssignmentOperatorSetsStatus(t *testing.T) {
	h, _, locks, hub := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"deliveryStatus":"delivered"}`)
	c, rec := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	require.NoError(t, h.UpdateAssignment(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversation.StatusDelivered, locks.statusSet)
	require.Len(t, hub.events, 1)
	assert.Equal(t, "delivered", hub.events[0].DeliveryStatus)
}

func TestAssignmentStatusConflictForbidden(t *testing.T) {
	h, _, locks, _ := newConversationsFixture()
	locks.statusErr = conversation.ErrLockConflict
	e := echo.New()
	body := strings.NewReader(`{"deliveryStatus":"hold"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust2/assignment", body, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust2")

	err := h.UpdateAssignment(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httpStatus(t, err))
}

func TestAssignmentInvalidStatusRejected(t *testing.T) {
	h, _, _, _ := newConversationsFixture()
	e := echo.New()
	body := strings.NewReader(`{"deliveryStatus":"shipped"}`)
	c, _ := authedContext(t, e, http.MethodPatch, "/api/conversations/page1_cust1/assignment", body, operatorIdentity("op-alice", "Alice"))
	c.SetParamNames("id")
	c.SetParamValues("page1_cust1")

	err := h.UpdateAssignment(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}
