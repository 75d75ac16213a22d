package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/socialdeskhq/socialdesk/internal/db"
)

// Store persists messages and reads conversation state.
type Store struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewStore creates a conversation store.
func NewStore(log *slog.Logger, conn db.DBTX) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:     conn,
		logger: log.With(slog.String("service", "conversation_store")),
	}
}

const appendMessageSQL = `
INSERT INTO messages (
	conversation_id, customer_name, customer_avatar, sender, actor_role,
	actor_name, body, reply_to_message_id, channel_kind, channel_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at`

// Append writes one message and returns it with its assigned sequence id.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, fmt.Errorf("conversation id is required")
	}
	if msg.Sender == "" || msg.ActorRole == "" {
		return Message{}, fmt.Errorf("sender and actor role are required")
	}
	row := s.db.QueryRow(ctx, appendMessageSQL,
		msg.ConversationID,
		msg.CustomerName,
		msg.CustomerAvatar,
		string(msg.Sender),
		string(msg.ActorRole),
		msg.ActorName,
		msg.Body,
		toPgInt8(msg.ReplyToMessageID),
		msg.ChannelKind,
		msg.ChannelID,
	)
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

const listMessagesSQL = `
SELECT id, conversation_id, customer_name, customer_avatar, sender, actor_role,
	actor_name, body, reply_to_message_id, channel_kind, channel_id, created_at
FROM messages
WHERE conversation_id = $1
ORDER BY created_at, id`

// ListMessages returns a conversation's full log in stable order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, listMessagesSQL, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

const getMessageSQL = `
SELECT id, conversation_id, customer_name, customer_avatar, sender, actor_role,
	actor_name, body, reply_to_message_id, channel_kind, channel_id, created_at
FROM messages
WHERE id = $1`

// GetMessage returns one message by sequence id.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRow(ctx, getMessageSQL, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

const latestCustomerMessageSQL = `
SELECT id, conversation_id, customer_name, customer_avatar, sender, actor_role,
	actor_name, body, reply_to_message_id, channel_kind, channel_id, created_at
FROM messages
WHERE conversation_id = $1 AND sender = 'customer' AND id <= $2
ORDER BY created_at DESC, id DESC
LIMIT 1`

// LatestCustomerMessage returns the nearest customer message at or before the
// given sequence id. Used to retarget a reply reference that points at an
// outbound message.
func (s *Store) LatestCustomerMessage(ctx context.Context, conversationID string, beforeID int64) (Message, error) {
	row := s.db.QueryRow(ctx, latestCustomerMessageSQL, conversationID, beforeID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("latest customer message: %w", err)
	}
	return msg, nil
}

const latestMessageSQL = `
SELECT id, conversation_id, customer_name, customer_avatar, sender, actor_role,
	actor_name, body, reply_to_message_id, channel_kind, channel_id, created_at
FROM messages
WHERE conversation_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`

// LatestMessage returns the newest message of a conversation. Manual sends
// use it to keep the stored customer identity and channel kind stable.
func (s *Store) LatestMessage(ctx context.Context, conversationID string) (Message, error) {
	row := s.db.QueryRow(ctx, latestMessageSQL, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("latest message: %w", err)
	}
	return msg, nil
}

const listConversationsSQL = `
SELECT DISTINCT ON (m.conversation_id)
	m.conversation_id, m.customer_name, m.customer_avatar, m.body, m.sender,
	m.channel_kind, m.channel_id, m.created_at,
	l.operator_id, COALESCE(l.delivery_status, 'confirmed')
FROM messages m
LEFT JOIN conversation_locks l ON l.conversation_id = m.conversation_id
ORDER BY m.conversation_id, m.created_at DESC, m.id DESC`

// ListConversations returns one summary row per conversation, newest message
// first within each conversation.
func (s *Store) ListConversations(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.Query(ctx, listConversationsSQL)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			sender     string
			operatorID pgtype.UUID
			status     string
		)
		if err := rows.Scan(
			&sum.ConversationID, &sum.CustomerName, &sum.CustomerAvatar,
			&sum.LastBody, &sender, &sum.ChannelKind, &sum.ChannelID,
			&sum.LastMessageAt, &operatorID, &status,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.LastSender = Sender(sender)
		sum.OperatorID = db.UUIDString(operatorID)
		sum.DeliveryStatus = DeliveryStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

const lastIdentitySQL = `
SELECT customer_name, customer_avatar
FROM messages
WHERE conversation_id = $1 AND customer_name <> ''
ORDER BY created_at DESC, id DESC
LIMIT 1`

// LastKnownIdentity returns the most recent non-empty display name and avatar
// recorded for a conversation.
func (s *Store) LastKnownIdentity(ctx context.Context, conversationID string) (name, avatar string, err error) {
	row := s.db.QueryRow(ctx, lastIdentitySQL, conversationID)
	if err := row.Scan(&name, &avatar); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("last known identity: %w", err)
	}
	return name, avatar, nil
}

const updateIdentitySQL = `
UPDATE messages SET customer_name = $2, customer_avatar = $3
WHERE conversation_id = $1`

// UpdateIdentity rewrites the recorded display identity across a
// conversation's messages after a late profile resolution.
func (s *Store) UpdateIdentity(ctx context.Context, conversationID, name, avatar string) error {
	if _, err := s.db.Exec(ctx, updateIdentitySQL, conversationID, name, avatar); err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg     Message
		sender  string
		role    string
		replyTo pgtype.Int8
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.CustomerName, &msg.CustomerAvatar,
		&sender, &role, &msg.ActorName, &msg.Body, &replyTo,
		&msg.ChannelKind, &msg.ChannelID, &msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	msg.Sender = Sender(sender)
	msg.ActorRole = ActorRole(role)
	if replyTo.Valid {
		msg.ReplyToMessageID = replyTo.Int64
	}
	return msg, nil
}

func toPgInt8(v int64) pgtype.Int8 {
	if v == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: v, Valid: true}
}
