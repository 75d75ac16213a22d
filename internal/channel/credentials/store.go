// Package credentials resolves per-channel outbound send tokens. Lookups
// always read the database, so a configuration write is visible to the next
// send without a process restart.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/socialdeskhq/socialdesk/internal/db"
)

// ErrNoCredential is returned when no active credential exists for a channel.
var ErrNoCredential = errors.New("no credential configured for channel")

// Integration is one channel's outbound credential record.
type Integration struct {
	ChannelID   string    `json:"channelId"`
	Kind        string    `json:"kind"`
	AccessToken string    `json:"accessToken"`
	IsActive    bool      `json:"isActive"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MaskedToken renders the access token safe for API responses.
func (i Integration) MaskedToken() string {
	token := i.AccessToken
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + strings.Repeat("*", 8) + token[len(token)-4:]
}

// Store reads and writes channel integrations.
type Store struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewStore creates a credentials store.
func NewStore(log *slog.Logger, conn db.DBTX) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:     conn,
		logger: log.With(slog.String("service", "credentials")),
	}
}

const lookupSQL = `
SELECT channel_id, kind, access_token, is_active, updated_at
FROM channel_integrations
WHERE channel_id = $1 AND is_active`

// Lookup returns the active credential for a channel id.
func (s *Store) Lookup(ctx context.Context, channelID string) (Integration, error) {
	row := s.db.QueryRow(ctx, lookupSQL, channelID)
	integration, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Integration{}, fmt.Errorf("%w: %s", ErrNoCredential, channelID)
		}
		return Integration{}, fmt.Errorf("lookup credential: %w", err)
	}
	return integration, nil
}

const listSQL = `
SELECT channel_id, kind, access_token, is_active, updated_at
FROM channel_integrations
ORDER BY channel_id`

// List returns all integrations, active or not.
func (s *Store) List(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, integration)
	}
	return out, rows.Err()
}

const upsertSQL = `
INSERT INTO channel_integrations (channel_id, kind, access_token, is_active, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (channel_id) DO UPDATE
	SET kind = EXCLUDED.kind,
		access_token = EXCLUDED.access_token,
		is_active = EXCLUDED.is_active,
		updated_at = now()
RETURNING channel_id, kind, access_token, is_active, updated_at`

// Upsert writes a credential; the write is visible to the next Lookup.
func (s *Store) Upsert(ctx context.Context, integration Integration) (Integration, error) {
	if strings.TrimSpace(integration.ChannelID) == "" {
		return Integration{}, fmt.Errorf("channel id is required")
	}
	if strings.TrimSpace(integration.AccessToken) == "" {
		return Integration{}, fmt.Errorf("access token is required")
	}
	row := s.db.QueryRow(ctx, upsertSQL,
		integration.ChannelID,
		integration.Kind,
		integration.AccessToken,
		integration.IsActive,
	)
	stored, err := scanIntegration(row)
	if err != nil {
		return Integration{}, fmt.Errorf("upsert integration: %w", err)
	}
	s.logger.Info("channel credential updated",
		slog.String("channel_id", stored.ChannelID),
		slog.String("kind", stored.Kind),
	)
	return stored, nil
}

func scanIntegration(row pgx.Row) (Integration, error) {
	var i Integration
	err := row.Scan(&i.ChannelID, &i.Kind, &i.AccessToken, &i.IsActive, &i.UpdatedAt)
	return i, err
}
