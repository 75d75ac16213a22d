package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/socialdeskhq/socialdesk/internal/conversation"
)

// SummaryLister lists conversations for the refresh sweep.
type SummaryLister interface {
	ListConversations(ctx context.Context) ([]conversation.Summary, error)
}

// Sweeper periodically re-resolves stale-looking identities so conversations
// recorded before a profile was resolvable self-heal.
type Sweeper struct {
	resolver *Resolver
	lister   SummaryLister
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewSweeper creates an identity refresh sweeper.
func NewSweeper(log *slog.Logger, resolver *Resolver, lister SummaryLister) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		resolver: resolver,
		lister:   lister,
		logger:   log.With(slog.String("service", "identity_sweep")),
	}
}

// RefreshStale re-runs the ladder for up to limit stale-looking
// conversations and returns how many were updated.
func (s *Sweeper) RefreshStale(ctx context.Context, limit int) int {
	if limit <= 0 {
		limit = MaxRefreshPerListing
	}
	summaries, err := s.lister.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("list conversations for refresh failed", slog.Any("error", err))
		return 0
	}

	updated := 0
	checked := 0
	for _, sum := range summaries {
		if checked >= limit {
			break
		}
		if usable(strings.TrimSpace(sum.CustomerName)) {
			continue
		}
		checked++
		key, err := conversation.ParseKey(sum.ConversationID)
		if err != nil {
			continue
		}
		if s.resolver.RefreshConversation(ctx, sum.ConversationID, key.CounterpartyID, key.ChannelID, sum.ChannelKind) {
			updated++
		}
	}
	return updated
}

// Start schedules the periodic sweep. An empty spec disables it.
func (s *Sweeper) Start(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		n := s.RefreshStale(context.Background(), MaxRefreshPerListing)
		if n > 0 {
			s.logger.Info("identity sweep complete", slog.Int("updated", n))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the periodic sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
