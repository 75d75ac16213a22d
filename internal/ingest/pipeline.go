package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
	"github.com/socialdeskhq/socialdesk/internal/identity"
	"github.com/socialdeskhq/socialdesk/internal/reply"
)

// AssistantName labels automated replies in the message log.
const AssistantName = "Assistant"

type MessageAppender interface {
	Append(ctx context.Context, msg conversation.Message) (conversation.Message, error)
}

type AssigneeReader interface {
	Assignee(ctx context.Context, conversationID string) (string, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, conversationID, counterpartyID, channelID, channelKind string) identity.Resolved
}

type MediaIngester interface {
	Ingest(ctx context.Context, remoteURL string) (string, error)
}

type ReplyDecider interface {
	Decide(ctx context.Context, conversationID, text string, hasMedia bool) reply.Decision
}

type TextSender interface {
	SendText(ctx context.Context, token, recipientID, text string) error
}

type CredentialLookup interface {
	Lookup(ctx context.Context, channelID string) (credentials.Integration, error)
}

type Publisher interface {
	PublishMessage(audiences []string, ev fanout.MessageEvent)
}

// PipelineParams bundles the pipeline's collaborators.
type PipelineParams struct {
	Store    MessageAppender
	Locks    AssigneeReader
	Identity IdentityResolver
	Media    MediaIngester
	Replies  ReplyDecider
	Sender   TextSender
	Creds    CredentialLookup
	Hub      Publisher

	// PersistOnSendFailure records the intended reply even when platform
	// delivery failed, so operators can see what the automation attempted.
	PersistOnSendFailure bool
}

// Pipeline drives each inbound event through identity resolution, media
// relay, persistence, fanout, and the reply policy. Events in a batch are
// independent: one event's failure never blocks the rest.
type Pipeline struct {
	log *slog.Logger
	p   PipelineParams
}

func NewPipeline(log *slog.Logger, params PipelineParams) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log: log.With(slog.String("service", "ingest")),
		p:   params,
	}
}

// Process runs every event of the batch to completion. It is meant to be
// called on a background goroutine after the webhook has been acknowledged.
func (p *Pipeline) Process(ctx context.Context, batch Batch) {
	for _, ev := range Normalize(batch) {
		if err := p.processEvent(ctx, ev); err != nil {
			p.log.Error("webhook event failed",
				slog.String("conversation", ev.Key().String()),
				slog.Any("error", err))
		}
	}
}

func (p *Pipeline) processEvent(ctx context.Context, ev Event) error {
	integration, err := p.p.Creds.Lookup(ctx, ev.ChannelID)
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredential) {
			p.log.Warn("webhook from unknown channel", slog.String("channel_id", ev.ChannelID))
			return nil
		}
		return fmt.Errorf("credential lookup: %w", err)
	}
	if integration.Kind != "" {
		ev.ChannelKind = integration.Kind
	}

	convID := ev.Key().String()
	resolved := p.p.Identity.Resolve(ctx, convID, ev.CounterpartyID, ev.ChannelID, ev.ChannelKind)

	body, hasMedia := p.buildBody(ctx, ev)
	if body == "" {
		return nil
	}

	inbound := conversation.Message{
		ConversationID: convID,
		CustomerName:   resolved.Name,
		CustomerAvatar: resolved.Avatar,
		Sender:         conversation.SenderCustomer,
		ActorRole:      conversation.RoleCustomer,
		ActorName:      resolved.Name,
		Body:           body,
		ChannelKind:    ev.ChannelKind,
		ChannelID:      ev.ChannelID,
	}
	if ev.Echo {
		inbound.Sender = conversation.SenderAssistant
		inbound.ActorRole = conversation.RoleAssistant
		inbound.ActorName = AssistantName
	}

	stored, err := p.p.Store.Append(ctx, inbound)
	if err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}
	p.fanOut(ctx, stored)

	// Echoes are our own sends mirrored back. Answering one would loop.
	if ev.Echo {
		return nil
	}

	decision := p.p.Replies.Decide(ctx, convID, body, hasMedia)
	if decision.Text == "" {
		return nil
	}

	sendErr := p.p.Sender.SendText(ctx, integration.AccessToken, ev.CounterpartyID, decision.Text)
	if sendErr != nil {
		p.log.Error("platform send failed",
			slog.String("conversation", convID),
			slog.String("source", string(decision.Source)),
			slog.Any("error", sendErr))
		if !p.p.PersistOnSendFailure {
			return nil
		}
	}

	outbound := conversation.Message{
		ConversationID: convID,
		CustomerName:   resolved.Name,
		CustomerAvatar: resolved.Avatar,
		Sender:         conversation.SenderAssistant,
		ActorRole:      conversation.RoleAssistant,
		ActorName:      AssistantName,
		Body:           decision.Text,
		ChannelKind:    ev.ChannelKind,
		ChannelID:      ev.ChannelID,
	}
	storedReply, err := p.p.Store.Append(ctx, outbound)
	if err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	p.fanOut(ctx, storedReply)
	return nil
}

// buildBody relays attachments into local storage and rewrites the stored
// body as one local reference per line, with no decorative prefix. A relay
// failure falls back to the remote URL so the message is never lost.
func (p *Pipeline) buildBody(ctx context.Context, ev Event) (string, bool) {
	if len(ev.AttachmentURLs) == 0 {
		return ev.Text, false
	}
	refs := make([]string, 0, len(ev.AttachmentURLs))
	for _, remote := range ev.AttachmentURLs {
		ref, err := p.p.Media.Ingest(ctx, remote)
		if err != nil {
			p.log.Warn("media ingest failed",
				slog.String("url", remote),
				slog.Any("error", err))
			ref = remote
		}
		refs = append(refs, ref)
	}
	return strings.Join(refs, "\n"), true
}

func (p *Pipeline) fanOut(ctx context.Context, msg conversation.Message) {
	assignee, err := p.p.Locks.Assignee(ctx, msg.ConversationID)
	if err != nil {
		p.log.Warn("assignee lookup failed",
			slog.String("conversation", msg.ConversationID),
			slog.Any("error", err))
		assignee = ""
	}
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	p.p.Hub.PublishMessage(fanout.MessageAudiences(assignee), fanout.MessageEvent{
		ConversationID: msg.ConversationID,
		CustomerName:   msg.CustomerName,
		CustomerAvatar: msg.CustomerAvatar,
		Sender:         string(msg.Sender),
		ActorRole:      string(msg.ActorRole),
		ActorName:      msg.ActorName,
		Body:           msg.Body,
		ChannelKind:    msg.ChannelKind,
		ChannelID:      msg.ChannelID,
		Timestamp:      ts,
	})
}
