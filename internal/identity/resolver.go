// Package identity turns raw platform counterparty ids into display names
// and avatars through a cached resolution ladder.
package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
	"github.com/socialdeskhq/socialdesk/internal/platform/graph"
)

// Placeholder is shown when no ladder tier produced a usable name.
const Placeholder = "Customer"

// MaxRefreshPerListing bounds the light-touch refresh triggered by a
// conversation listing.
const MaxRefreshPerListing = 25

// Resolved is a display identity.
type Resolved struct {
	Name   string
	Avatar string
}

// ConversationReader is the store surface the resolver needs.
type ConversationReader interface {
	LastKnownIdentity(ctx context.Context, conversationID string) (name, avatar string, err error)
	UpdateIdentity(ctx context.Context, conversationID, name, avatar string) error
}

// ProfileFetcher is the platform lookup surface.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, token, kind, userID string) (graph.Profile, error)
	FetchProfileFallback(ctx context.Context, token, userID string) (graph.Profile, error)
}

// CredentialLookup resolves the send token for a channel.
type CredentialLookup interface {
	Lookup(ctx context.Context, channelID string) (credentials.Integration, error)
}

// Resolver runs the resolution ladder.
type Resolver struct {
	store       ConversationReader
	profiles    ProfileFetcher
	credentials CredentialLookup
	logger      *slog.Logger
}

// NewResolver creates an identity resolver.
func NewResolver(log *slog.Logger, store ConversationReader, profiles ProfileFetcher, creds CredentialLookup) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:       store,
		profiles:    profiles,
		credentials: creds,
		logger:      log.With(slog.String("service", "identity")),
	}
}

// Resolve produces the display identity for a counterparty. Each tier runs
// only when the previous produced no usable name, so a good stored name is
// never regressed by a later lower-quality lookup. Resolve never fails; the
// worst case is the generic placeholder.
func (r *Resolver) Resolve(ctx context.Context, conversationID, counterpartyID, channelID, channelKind string) Resolved {
	if name, avatar, err := r.store.LastKnownIdentity(ctx, conversationID); err == nil && usable(name) {
		return Resolved{Name: name, Avatar: avatar}
	}

	token := ""
	if integration, err := r.credentials.Lookup(ctx, channelID); err == nil {
		token = integration.AccessToken
	}
	if token != "" {
		if profile, err := r.profiles.FetchProfile(ctx, token, channelKind, counterpartyID); err == nil {
			if resolved, ok := fromProfile(profile); ok {
				return resolved
			}
		} else {
			r.logger.Warn("profile lookup failed",
				slog.String("channel_kind", channelKind),
				slog.Any("error", err),
			)
		}
		if profile, err := r.profiles.FetchProfileFallback(ctx, token, counterpartyID); err == nil {
			if resolved, ok := fromProfile(profile); ok {
				return resolved
			}
		}
	}

	return Resolved{Name: Placeholder}
}

// RefreshConversation re-runs the ladder for one conversation and rewrites
// its stored identity when a better name is found. Returns whether the store
// was updated.
func (r *Resolver) RefreshConversation(ctx context.Context, conversationID, counterpartyID, channelID, channelKind string) bool {
	name, _, err := r.store.LastKnownIdentity(ctx, conversationID)
	if err == nil && usable(name) {
		return false
	}
	resolved := r.Resolve(ctx, conversationID, counterpartyID, channelID, channelKind)
	if resolved.Name == Placeholder || !usable(resolved.Name) {
		return false
	}
	if err := r.store.UpdateIdentity(ctx, conversationID, resolved.Name, resolved.Avatar); err != nil {
		r.logger.Warn("identity refresh write failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
		return false
	}
	r.logger.Info("identity refreshed",
		slog.String("conversation_id", conversationID),
		slog.String("name", resolved.Name),
	)
	return true
}

func fromProfile(profile graph.Profile) (Resolved, bool) {
	name := strings.TrimSpace(profile.Name)
	if !usable(name) {
		name = strings.TrimSpace(profile.Username)
	}
	if !usable(name) {
		return Resolved{}, false
	}
	return Resolved{Name: name, Avatar: profile.AvatarURL}, true
}

func usable(name string) bool {
	return strings.TrimSpace(name) != "" && !LooksLikeID(name)
}
