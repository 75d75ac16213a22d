package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/socialdeskhq/socialdesk/internal/auth"
	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
	"github.com/socialdeskhq/socialdesk/internal/media"
)

const (
	sendAsAgent    = "agent"
	sendAsCustomer = "customer"
)

type SendStore interface {
	Append(ctx context.Context, msg conversation.Message) (conversation.Message, error)
	GetMessage(ctx context.Context, id int64) (conversation.Message, error)
	LatestCustomerMessage(ctx context.Context, conversationID string, beforeID int64) (conversation.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (conversation.Message, error)
}

type LockClaimer interface {
	TryClaim(ctx context.Context, conversationID, operatorID string) (conversation.Assignment, error)
	Assignee(ctx context.Context, conversationID string) (string, error)
}

type PlatformSender interface {
	SendText(ctx context.Context, token, recipientID, text string) error
	SendAttachmentByURL(ctx context.Context, token, recipientID, mediaURL string) error
}

type CredentialSource interface {
	Lookup(ctx context.Context, channelID string) (credentials.Integration, error)
}

type MessagePublisher interface {
	PublishMessage(audiences []string, ev fanout.MessageEvent)
	PublishAssignment(audiences []string, ev fanout.AssignmentEvent)
}

// SendHandler covers every operator-initiated send: text replies, customer
// simulation, media replies, and forwards. The lock check runs before any
// platform call or store write; a conflict aborts with zero side effects.
type SendHandler struct {
	logger   *slog.Logger
	store    SendStore
	locks    LockClaimer
	relay    *media.Relay
	platform PlatformSender
	creds    CredentialSource
	hub      MessagePublisher
	validate *validator.Validate
}

func NewSendHandler(log *slog.Logger, store SendStore, locks LockClaimer, relay *media.Relay, platform PlatformSender, creds CredentialSource, hub MessagePublisher) *SendHandler {
	return &SendHandler{
		logger:   log.With(slog.String("handler", "send")),
		store:    store,
		locks:    locks,
		relay:    relay,
		platform: platform,
		creds:    creds,
		hub:      hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *SendHandler) Register(e *echo.Echo) {
	e.POST("/api/conversations/:id/reply", h.Reply)
	e.POST("/api/conversations/:id/media", h.MediaReply)
	e.POST("/api/conversations/:id/forward", h.Forward)
}

type replyRequest struct {
	Message          string `json:"message" validate:"required"`
	SendAs           string `json:"sendAs"`
	ReplyToMessageID int64  `json:"replyToMessageId"`
}

func (h *SendHandler) Reply(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	key, conversationID, err := conversationKeyParam(c)
	if err != nil {
		return err
	}

	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	mode, err := resolveSendMode(req.SendAs, id)
	if err != nil {
		return err
	}
	if err := h.enforceLock(c.Request().Context(), conversationID, id); err != nil {
		return err
	}

	replyTo := h.retargetReplyRef(c.Request().Context(), conversationID, req.ReplyToMessageID)
	last, _ := h.store.LatestMessage(c.Request().Context(), conversationID)
	kind := h.channelKind(c.Request().Context(), last, key.ChannelID)

	msg := conversation.Message{
		ConversationID:   conversationID,
		CustomerName:     last.CustomerName,
		CustomerAvatar:   last.CustomerAvatar,
		Body:             strings.TrimSpace(req.Message),
		ReplyToMessageID: replyTo,
		ChannelKind:      kind,
		ChannelID:        key.ChannelID,
	}

	if mode == sendAsCustomer {
		// Simulation: stored and fanned out, never sent to the platform.
		msg.Sender = conversation.SenderCustomer
		msg.ActorRole = conversation.RoleCustomer
		msg.ActorName = customerLabel(last.CustomerName)
		return h.persistAndRespond(c, msg, false, nil)
	}

	integration, err := h.creds.Lookup(c.Request().Context(), key.ChannelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no credential for channel")
	}
	if err := h.platform.SendText(c.Request().Context(), integration.AccessToken, key.CounterpartyID, msg.Body); err != nil {
		h.logger.Error("manual send failed",
			slog.String("conversation", conversationID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "platform send failed")
	}

	msg.Sender = conversation.SenderAssistant
	msg.ActorRole = actorRoleFor(id)
	msg.ActorName = actorNameFor(id)
	return h.persistAndRespond(c, msg, true, nil)
}

func (h *SendHandler) MediaReply(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	key, conversationID, err := conversationKeyParam(c)
	if err != nil {
		return err
	}
	mode, err := resolveSendMode(c.FormValue("sendAs"), id)
	if err != nil {
		return err
	}
	if err := h.enforceLock(c.Request().Context(), conversationID, id); err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files uploaded")
	}

	last, _ := h.store.LatestMessage(c.Request().Context(), conversationID)
	kind := h.channelKind(c.Request().Context(), last, key.ChannelID)

	var token string
	if mode != sendAsCustomer {
		integration, err := h.creds.Lookup(c.Request().Context(), key.ChannelID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "no credential for channel")
		}
		token = integration.AccessToken
	}

	refs := make([]string, 0, len(files))
	var failedRefs []string
	for _, file := range files {
		src, err := file.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		ref, err := h.relay.StoreUpload(c.Request().Context(), file.Filename, file.Header.Get("Content-Type"), src)
		src.Close()
		if err != nil {
			h.logger.Error("store upload", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
		}
		refs = append(refs, ref)

		if mode != sendAsCustomer {
			// Send per file; the dashboard still gets one combined bubble. A
			// failed send keeps the stored ref but is reported undelivered.
			if err := h.relay.Publish(c.Request().Context(), token, kind, key.CounterpartyID, ref); err != nil {
				h.logger.Error("media send failed",
					slog.String("conversation", conversationID),
					slog.Any("error", err))
				failedRefs = append(failedRefs, ref)
			}
		}
	}

	msg := conversation.Message{
		ConversationID: conversationID,
		CustomerName:   last.CustomerName,
		CustomerAvatar: last.CustomerAvatar,
		Body:           strings.Join(refs, "\n"),
		ChannelKind:    kind,
		ChannelID:      key.ChannelID,
	}
	if mode == sendAsCustomer {
		msg.Sender = conversation.SenderCustomer
		msg.ActorRole = conversation.RoleCustomer
		msg.ActorName = customerLabel(last.CustomerName)
		return h.persistAndRespond(c, msg, false, nil)
	}
	msg.Sender = conversation.SenderAssistant
	msg.ActorRole = actorRoleFor(id)
	msg.ActorName = actorNameFor(id)
	return h.persistAndRespond(c, msg, len(failedRefs) == 0, failedRefs)
}

type forwardRequest struct {
	MessageID int64 `json:"messageId" validate:"required"`
}

// Forward copies a prior message, media included, into the target
// conversation named by the path parameter.
func (h *SendHandler) Forward(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	key, conversationID, err := conversationKeyParam(c)
	if err != nil {
		return err
	}

	var req forwardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "messageId is required")
	}
	if err := h.enforceLock(c.Request().Context(), conversationID, id); err != nil {
		return err
	}

	source, err := h.store.GetMessage(c.Request().Context(), req.MessageID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "message not found")
		}
		h.logger.Error("load source message", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to forward")
	}

	integration, err := h.creds.Lookup(c.Request().Context(), key.ChannelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no credential for channel")
	}
	last, _ := h.store.LatestMessage(c.Request().Context(), conversationID)
	kind := h.channelKind(c.Request().Context(), last, key.ChannelID)

	if err := h.deliverForward(c.Request().Context(), integration.AccessToken, kind, key.CounterpartyID, source.Body); err != nil {
		h.logger.Error("forward send failed",
			slog.String("conversation", conversationID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "platform send failed")
	}

	msg := conversation.Message{
		ConversationID: conversationID,
		CustomerName:   last.CustomerName,
		CustomerAvatar: last.CustomerAvatar,
		Sender:         conversation.SenderAssistant,
		ActorRole:      actorRoleFor(id),
		ActorName:      actorNameFor(id),
		Body:           source.Body,
		ChannelKind:    kind,
		ChannelID:      key.ChannelID,
	}
	return h.persistAndRespond(c, msg, true, nil)
}

// deliverForward distinguishes body lines that are local media references or
// remote URLs from plain text, and delivers each appropriately.
func (h *SendHandler) deliverForward(ctx context.Context, token, kind, recipientID, body string) error {
	var mediaSent bool
	var firstErr error
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case media.IsLocalRef(line):
			if err := h.relay.Publish(ctx, token, kind, recipientID, line); err != nil && firstErr == nil {
				firstErr = err
			}
			mediaSent = true
		case strings.HasPrefix(line, "http://"), strings.HasPrefix(line, "https://"):
			if err := h.platform.SendAttachmentByURL(ctx, token, recipientID, line); err != nil && firstErr == nil {
				firstErr = err
			}
			mediaSent = true
		}
	}
	if mediaSent {
		return firstErr
	}
	return h.platform.SendText(ctx, token, recipientID, body)
}

// enforceLock claims the conversation for an operator before any side
// effect. Admins bypass the lock. A send against an unclaimed conversation
// claims it; that transition is announced so pool views drop it.
func (h *SendHandler) enforceLock(ctx context.Context, conversationID string, id auth.Identity) error {
	if id.IsAdmin() {
		return nil
	}
	previous, err := h.locks.Assignee(ctx, conversationID)
	if err != nil {
		h.logger.Error("assignee lookup", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to claim conversation")
	}
	assignment, err := h.locks.TryClaim(ctx, conversationID, id.OperatorID)
	if err != nil {
		if errors.Is(err, conversation.ErrLockConflict) {
			return echo.NewHTTPError(http.StatusForbidden, "conversation locked by another operator")
		}
		h.logger.Error("claim conversation", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to claim conversation")
	}
	if previous == "" {
		h.hub.PublishAssignment(
			fanout.AssignmentAudiences(previous, assignment.OperatorID),
			fanout.AssignmentEvent{
				ConversationID: assignment.ConversationID,
				AssigneeID:     assignment.OperatorID,
				DeliveryStatus: string(assignment.DeliveryStatus),
				AssignedAt:     assignment.AssignedAt,
			},
		)
	}
	return nil
}

// retargetReplyRef keeps reply threading pointed at customer content: a
// reference to an outbound message is swapped to the nearest customer
// message before it.
func (h *SendHandler) retargetReplyRef(ctx context.Context, conversationID string, replyToID int64) int64 {
	if replyToID == 0 {
		return 0
	}
	ref, err := h.store.GetMessage(ctx, replyToID)
	if err != nil || ref.ConversationID != conversationID {
		return 0
	}
	if ref.Sender == conversation.SenderCustomer {
		return ref.ID
	}
	nearest, err := h.store.LatestCustomerMessage(ctx, conversationID, ref.ID)
	if err != nil {
		return 0
	}
	return nearest.ID
}

func (h *SendHandler) channelKind(ctx context.Context, last conversation.Message, channelID string) string {
	if last.ChannelKind != "" {
		return last.ChannelKind
	}
	if integration, err := h.creds.Lookup(ctx, channelID); err == nil && integration.Kind != "" {
		return integration.Kind
	}
	return "messenger"
}

// persistAndRespond stores the message, fans it out, and reports the
// delivery outcome. failedRefs lists media refs whose platform send failed;
// the dashboard can distinguish "stored, undelivered" from a clean send.
func (h *SendHandler) persistAndRespond(c echo.Context, msg conversation.Message, delivered bool, failedRefs []string) error {
	stored, err := h.store.Append(c.Request().Context(), msg)
	if err != nil {
		h.logger.Error("persist message", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store message")
	}

	assignee, err := h.locks.Assignee(c.Request().Context(), stored.ConversationID)
	if err != nil {
		assignee = ""
	}
	ts := stored.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	h.hub.PublishMessage(fanout.MessageAudiences(assignee), fanout.MessageEvent{
		ConversationID: stored.ConversationID,
		CustomerName:   stored.CustomerName,
		CustomerAvatar: stored.CustomerAvatar,
		Sender:         string(stored.Sender),
		ActorRole:      string(stored.ActorRole),
		ActorName:      stored.ActorName,
		Body:           stored.Body,
		ChannelKind:    stored.ChannelKind,
		ChannelID:      stored.ChannelID,
		Timestamp:      ts,
	})

	resp := map[string]any{
		"message":   stored,
		"delivered": delivered,
	}
	if len(failedRefs) > 0 {
		resp["failedRefs"] = failedRefs
	}
	return c.JSON(http.StatusOK, resp)
}

func conversationKeyParam(c echo.Context) (conversation.Key, string, error) {
	conversationID := c.Param("id")
	key, err := conversation.ParseKey(conversationID)
	if err != nil {
		return conversation.Key{}, "", echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	return key, conversationID, nil
}

func resolveSendMode(sendAs string, id auth.Identity) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(sendAs))
	if mode == "" {
		mode = sendAsAgent
	}
	switch mode {
	case sendAsAgent:
		return sendAsAgent, nil
	case sendAsCustomer:
		if !id.IsAdmin() {
			return "", echo.NewHTTPError(http.StatusForbidden, "customer simulation is admin-only")
		}
		return sendAsCustomer, nil
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest, "sendAs must be agent or customer")
	}
}

func actorRoleFor(id auth.Identity) conversation.ActorRole {
	if id.IsAdmin() {
		return conversation.RoleAdmin
	}
	return conversation.RoleOperator
}

func actorNameFor(id auth.Identity) string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	if id.IsAdmin() {
		return "Admin"
	}
	return "Operator"
}

func customerLabel(name string) string {
	if name != "" {
		return name
	}
	return "Customer"
}
