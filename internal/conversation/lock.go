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

// LockManager enforces the at-most-one-assignee invariant over a
// conversation. The single-row compare-and-set in the database is the only
// serialization point; no in-process mutex is held.
type LockManager struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewLockManager creates a lock manager.
func NewLockManager(log *slog.Logger, conn db.DBTX) *LockManager {
	if log == nil {
		log = slog.Default()
	}
	return &LockManager{
		db:     conn,
		logger: log.With(slog.String("service", "conversation_lock")),
	}
}

const tryClaimSQL = `
INSERT INTO conversation_locks (conversation_id, operator_id, assigned_at)
VALUES ($1, $2, now())
ON CONFLICT (conversation_id) DO UPDATE
	SET operator_id = EXCLUDED.operator_id, assigned_at = now()
	WHERE conversation_locks.operator_id IS NULL
RETURNING conversation_id, operator_id, delivery_status, locked_at, assigned_at`

// TryClaim atomically assigns the conversation to the operator. Creating a
// missing row and claiming an unclaimed row are both handled by the single
// upsert; the WHERE clause makes the update a compare-and-set against a null
// assignee. A claim by the current assignee succeeds idempotently; any other
// existing assignee yields ErrLockConflict.
func (m *LockManager) TryClaim(ctx context.Context, conversationID, operatorID string) (Assignment, error) {
	pgOperator, err := db.ParseUUID(operatorID)
	if err != nil {
		return Assignment{}, fmt.Errorf("invalid operator id: %w", err)
	}
	row := m.db.QueryRow(ctx, tryClaimSQL, conversationID, pgOperator)
	assignment, err := scanAssignment(row)
	if err == nil {
		return assignment, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("claim conversation: %w", err)
	}

	// The CAS did not fire: the row exists with a non-null assignee.
	current, err := m.Get(ctx, conversationID)
	if err != nil {
		return Assignment{}, err
	}
	if current.OperatorID == operatorID {
		return current, nil
	}
	return Assignment{}, ErrLockConflict
}

const getAssignmentSQL = `
SELECT conversation_id, operator_id, delivery_status, locked_at, assigned_at
FROM conversation_locks
WHERE conversation_id = $1`

// Get returns the assignment row for a conversation. A missing row is
// reported as an unclaimed assignment, not an error.
func (m *LockManager) Get(ctx context.Context, conversationID string) (Assignment, error) {
	row := m.db.QueryRow(ctx, getAssignmentSQL, conversationID)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{
				ConversationID: conversationID,
				DeliveryStatus: StatusConfirmed,
			}, nil
		}
		return Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	return assignment, nil
}

// Assignee returns the current assignee, empty when unclaimed.
func (m *LockManager) Assignee(ctx context.Context, conversationID string) (string, error) {
	assignment, err := m.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return assignment.OperatorID, nil
}

const setStatusSQL = `
INSERT INTO conversation_locks (conversation_id, operator_id, delivery_status, assigned_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (conversation_id) DO UPDATE
	SET delivery_status = EXCLUDED.delivery_status,
		operator_id = COALESCE(conversation_locks.operator_id, EXCLUDED.operator_id),
		assigned_at = CASE
			WHEN conversation_locks.operator_id IS NULL THEN now()
			ELSE conversation_locks.assigned_at
		END
	WHERE conversation_locks.operator_id IS NULL
		OR conversation_locks.operator_id = EXCLUDED.operator_id
RETURNING conversation_id, operator_id, delivery_status, locked_at, assigned_at`

// SetDeliveryStatus updates the delivery status when the caller is the
// assignee; an unclaimed conversation is claimed by the caller in the same
// write. Another operator's assignment yields ErrLockConflict.
func (m *LockManager) SetDeliveryStatus(ctx context.Context, conversationID, operatorID string, status DeliveryStatus) (Assignment, error) {
	if !status.Valid() {
		return Assignment{}, fmt.Errorf("invalid delivery status: %q", status)
	}
	pgOperator, err := db.ParseUUID(operatorID)
	if err != nil {
		return Assignment{}, fmt.Errorf("invalid operator id: %w", err)
	}
	row := m.db.QueryRow(ctx, setStatusSQL, conversationID, pgOperator, string(status))
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrLockConflict
		}
		return Assignment{}, fmt.Errorf("set delivery status: %w", err)
	}
	return assignment, nil
}

const reassignSQL = `
INSERT INTO conversation_locks (conversation_id, operator_id, assigned_at)
VALUES ($1, $2, now())
ON CONFLICT (conversation_id) DO UPDATE
	SET operator_id = EXCLUDED.operator_id, assigned_at = now()
RETURNING conversation_id, operator_id, delivery_status, locked_at, assigned_at`

// Reassign unconditionally overwrites the assignee; pass an empty operator id
// to release the conversation back to the unclaimed pool. Restricted to the
// administrative role at the handler layer. Returns the previous assignee so
// fanout can address both the losing and gaining operator.
func (m *LockManager) Reassign(ctx context.Context, conversationID, newOperatorID string) (previous string, assignment Assignment, err error) {
	previous, err = m.Assignee(ctx, conversationID)
	if err != nil {
		return "", Assignment{}, err
	}

	var pgOperator pgtype.UUID
	if strings.TrimSpace(newOperatorID) != "" {
		pgOperator, err = db.ParseUUID(newOperatorID)
		if err != nil {
			return "", Assignment{}, fmt.Errorf("invalid operator id: %w", err)
		}
	}
	row := m.db.QueryRow(ctx, reassignSQL, conversationID, pgOperator)
	assignment, err = scanAssignment(row)
	if err != nil {
		return "", Assignment{}, fmt.Errorf("reassign conversation: %w", err)
	}
	m.logger.Info("conversation reassigned",
		slog.String("conversation_id", conversationID),
		slog.String("previous", previous),
		slog.String("assignee", assignment.OperatorID),
	)
	return previous, assignment, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a          Assignment
		operatorID pgtype.UUID
		status     string
		assignedAt pgtype.Timestamptz
	)
	if err := row.Scan(&a.ConversationID, &operatorID, &status, &a.LockedAt, &assignedAt); err != nil {
		return Assignment{}, err
	}
	a.OperatorID = db.UUIDString(operatorID)
	a.DeliveryStatus = DeliveryStatus(status)
	if assignedAt.Valid {
		a.AssignedAt = assignedAt.Time
	}
	return a, nil
}
