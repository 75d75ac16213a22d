package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
)

// maxListRefresh bounds the light-touch identity refresh per listing request.
const maxListRefresh = 25

type ConversationReader interface {
	ListConversations(ctx context.Context) ([]conversation.Summary, error)
	ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

type AssignmentService interface {
	Assignee(ctx context.Context, conversationID string) (string, error)
	SetDeliveryStatus(ctx context.Context, conversationID, operatorID string, status conversation.DeliveryStatus) (conversation.Assignment, error)
	Reassign(ctx context.Context, conversationID, newOperatorID string) (previous string, assignment conversation.Assignment, err error)
}

type StaleRefresher interface {
	RefreshStale(ctx context.Context, limit int) int
}

type AssignmentPublisher interface {
	PublishAssignment(audiences []string, ev fanout.AssignmentEvent)
}

type ConversationsHandler struct {
	logger  *slog.Logger
	store   ConversationReader
	locks   AssignmentService
	sweeper StaleRefresher
	hub     AssignmentPublisher
}

func NewConversationsHandler(log *slog.Logger, store ConversationReader, locks AssignmentService, sweeper StaleRefresher, hub AssignmentPublisher) *ConversationsHandler {
	return &ConversationsHandler{
		logger:  log.With(slog.String("handler", "conversations")),
		store:   store,
		locks:   locks,
		sweeper: sweeper,
		hub:     hub,
	}
}

func (h *ConversationsHandler) Register(e *echo.Echo) {
	e.GET("/api/conversations", h.List)
	e.GET("/api/conversations/:id/messages", h.Messages)
	e.PATCH("/api/conversations/:id/assignment", h.UpdateAssignment)
}

// List returns the conversation overview for the caller's role: admins see
// everything, operators see their own plus the unclaimed pool.
func (h *ConversationsHandler) List(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}

	items, err := h.store.ListConversations(c.Request().Context())
	if err != nil {
		h.logger.Error("list conversations", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversations")
	}

	if !id.IsAdmin() {
		visible := make([]conversation.Summary, 0, len(items))
		for _, item := range items {
			if item.OperatorID == "" || item.OperatorID == id.OperatorID {
				visible = append(visible, item)
			}
		}
		items = visible
	}

	// Self-heal identities recorded before a profile was resolvable, without
	// blocking the listing on network calls.
	if h.sweeper != nil {
		go h.sweeper.RefreshStale(context.WithoutCancel(c.Request().Context()), maxListRefresh)
	}

	if items == nil {
		items = []conversation.Summary{}
	}
	return c.JSON(http.StatusOK, items)
}

// Messages returns the full log for one conversation. An operator is refused
// when the conversation is assigned to someone else; admins always pass.
func (h *ConversationsHandler) Messages(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	_, conversationID, err := conversationKeyParam(c)
	if err != nil {
		return err
	}

	if !id.IsAdmin() {
		assignee, err := h.locks.Assignee(c.Request().Context(), conversationID)
		if err != nil {
			h.logger.Error("assignee lookup", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to load messages")
		}
		if assignee != "" && assignee != id.OperatorID {
			return echo.NewHTTPError(http.StatusForbidden, "conversation locked by another operator")
		}
	}

	msgs, err := h.store.ListMessages(c.Request().Context(), conversationID)
	if err != nil {
		h.logger.Error("list messages", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load messages")
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

type assignmentRequest struct {
	// OperatorID is admin-only: empty string or "unassign" releases the
	// conversation. Nil leaves the assignment untouched.
	OperatorID *string `json:"operatorId"`
	// DeliveryStatus is operator-only.
	DeliveryStatus string `json:"deliveryStatus"`
}

// UpdateAssignment handles both admin reassignment and operator status
// updates, mirroring who may do what: admins move the assignee, operators
// mark progress on their own conversations.
func (h *ConversationsHandler) UpdateAssignment(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	_, conversationID, err := conversationKeyParam(c)
	if err != nil {
		return err
	}

	var req assignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OperatorID == nil && req.DeliveryStatus == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	if req.OperatorID != nil {
		if !id.IsAdmin() {
			return echo.NewHTTPError(http.StatusForbidden, "only admins may reassign")
		}
		return h.reassign(c, conversationID, *req.OperatorID)
	}
	if id.IsAdmin() {
		return echo.NewHTTPError(http.StatusForbidden, "admins reassign; operators set status")
	}
	return h.setStatus(c, conversationID, id.OperatorID, conversation.DeliveryStatus(req.DeliveryStatus))
}

func (h *ConversationsHandler) reassign(c echo.Context, conversationID, newOperatorID string) error {
	if newOperatorID == "unassign" {
		newOperatorID = ""
	}
	previous, assignment, err := h.locks.Reassign(c.Request().Context(), conversationID, newOperatorID)
	if err != nil {
		h.logger.Error("reassign", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update assignment")
	}
	h.publishAssignment(previous, assignment)
	return c.JSON(http.StatusOK, assignment)
}

func (h *ConversationsHandler) setStatus(c echo.Context, conversationID, operatorID string, status conversation.DeliveryStatus) error {
	if !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delivery status")
	}
	previous, err := h.locks.Assignee(c.Request().Context(), conversationID)
	if err != nil {
		h.logger.Error("assignee lookup", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update status")
	}
	assignment, err := h.locks.SetDeliveryStatus(c.Request().Context(), conversationID, operatorID, status)
	if err != nil {
		if errors.Is(err, conversation.ErrLockConflict) {
			return echo.NewHTTPError(http.StatusForbidden, "conversation locked by another operator")
		}
		h.logger.Error("set delivery status", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update status")
	}
	h.publishAssignment(previous, assignment)
	return c.JSON(http.StatusOK, assignment)
}

func (h *ConversationsHandler) publishAssignment(previousAssignee string, assignment conversation.Assignment) {
	if h.hub == nil {
		return
	}
	h.hub.PublishAssignment(
		fanout.AssignmentAudiences(previousAssignee, assignment.OperatorID),
		fanout.AssignmentEvent{
			ConversationID: assignment.ConversationID,
			AssigneeID:     assignment.OperatorID,
			DeliveryStatus: string(assignment.DeliveryStatus),
			AssignedAt:     assignment.AssignedAt,
		},
	)
}
