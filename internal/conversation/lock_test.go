package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow implements pgx.Row with a custom scan function.
type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

// fakeDBTX implements db.DBTX for unit testing.
type fakeDBTX struct {
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (d *fakeDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if d.execFunc != nil {
		return d.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (d *fakeDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if d.queryFunc != nil {
		return d.queryFunc(ctx, sql, args...)
	}
	return nil, pgx.ErrNoRows
}

func (d *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if d.queryRowFunc != nil {
		return d.queryRowFunc(ctx, sql, args...)
	}
	return makeNoRow()
}

func makeNoRow() *fakeRow {
	return &fakeRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func makeAssignmentRow(conversationID string, operatorID pgtype.UUID, status string) *fakeRow {
	return &fakeRow{
		scanFunc: func(dest ...any) error {
			*dest[0].(*string) = conversationID
			*dest[1].(*pgtype.UUID) = operatorID
			*dest[2].(*string) = status
			*dest[3].(*time.Time) = time.Now()
			*dest[4].(*pgtype.Timestamptz) = pgtype.Timestamptz{Time: time.Now(), Valid: true}
			return nil
		},
	}
}

func mustParseUUID(t *testing.T, s string) pgtype.UUID {
	t.Helper()
	var u pgtype.UUID
	require.NoError(t, u.Scan(s))
	return u
}

const (
	opAlice = "00000000-0000-0000-0000-00000000000a"
	opBob   = "00000000-0000-0000-0000-00000000000b"
)

func TestTryClaimUnclaimed(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			require.Contains(t, sql, "ON CONFLICT")
			return makeAssignmentRow("page1_cust1", alice, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	got, err := mgr.TryClaim(context.Background(), "page1_cust1", opAlice)
	require.NoError(t, err)
	assert.Equal(t, opAlice, got.OperatorID)
	assert.Equal(t, StatusConfirmed, got.DeliveryStatus)
}

func TestTryClaimIdempotentForHolder(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "INSERT") {
				// CAS did not fire: row held by someone.
				return makeNoRow()
			}
			return makeAssignmentRow("page1_cust1", alice, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	got, err := mgr.TryClaim(context.Background(), "page1_cust1", opAlice)
	require.NoError(t, err)
	assert.Equal(t, opAlice, got.OperatorID)
}

func TestTryClaimConflict(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "INSERT") {
				return makeNoRow()
			}
			return makeAssignmentRow("page1_cust1", alice, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	_, err := mgr.TryClaim(context.Background(), "page1_cust1", opBob)
	assert.ErrorIs(t, err, ErrLockConflict)
}

// Two operators racing for the same unclaimed conversation: the fake honors
// the compare-and-set by letting exactly the first insert through, so exactly
// one claim succeeds and the other sees a conflict.
func TestTryClaimConcurrentSingleWinner(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	bob := mustParseUUID(t, opBob)

	var mu sync.Mutex
	var holder pgtype.UUID
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			mu.Lock()
			defer mu.Unlock()
			if strings.Contains(sql, "INSERT") {
				if !holder.Valid {
					holder = args[1].(pgtype.UUID)
					return makeAssignmentRow("page1_cust1", holder, "confirmed")
				}
				return makeNoRow()
			}
			return makeAssignmentRow("page1_cust1", holder, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	type result struct {
		assignment Assignment
		err        error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, op := range []string{opAlice, opBob} {
		wg.Add(1)
		go func(operatorID string) {
			defer wg.Done()
			a, err := mgr.TryClaim(context.Background(), "page1_cust1", operatorID)
			results <- result{assignment: a, err: err}
		}(op)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for r := range results {
		if r.err == nil {
			wins++
			assert.Contains(t, []string{alice.String(), bob.String()}, r.assignment.OperatorID)
		} else {
			conflicts++
			assert.ErrorIs(t, r.err, ErrLockConflict)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}

func TestSetDeliveryStatusClaimsUnassigned(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			require.Contains(t, sql, "delivery_status")
			assert.Equal(t, "hold", args[2])
			return makeAssignmentRow("page1_cust1", alice, "hold")
		},
	}
	mgr := NewLockManager(nil, conn)

	got, err := mgr.SetDeliveryStatus(context.Background(), "page1_cust1", opAlice, StatusHold)
	require.NoError(t, err)
	assert.Equal(t, StatusHold, got.DeliveryStatus)
	assert.Equal(t, opAlice, got.OperatorID)
}

func TestSetDeliveryStatusConflict(t *testing.T) {
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return makeNoRow()
		},
	}
	mgr := NewLockManager(nil, conn)

	_, err := mgr.SetDeliveryStatus(context.Background(), "page1_cust1", opBob, StatusCancel)
	assert.ErrorIs(t, err, ErrLockConflict)
}

func TestSetDeliveryStatusRejectsUnknownStatus(t *testing.T) {
	mgr := NewLockManager(nil, &fakeDBTX{})
	_, err := mgr.SetDeliveryStatus(context.Background(), "page1_cust1", opAlice, DeliveryStatus("shipped"))
	assert.Error(t, err)
}

func TestReassignReportsPrevious(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	bob := mustParseUUID(t, opBob)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "INSERT") {
				return makeAssignmentRow("page1_cust1", bob, "confirmed")
			}
			return makeAssignmentRow("page1_cust1", alice, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	previous, assignment, err := mgr.Reassign(context.Background(), "page1_cust1", opBob)
	require.NoError(t, err)
	assert.Equal(t, opAlice, previous)
	assert.Equal(t, opBob, assignment.OperatorID)
}

func TestReassignRelease(t *testing.T) {
	alice := mustParseUUID(t, opAlice)
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "INSERT") {
				assert.False(t, args[1].(pgtype.UUID).Valid)
				return makeAssignmentRow("page1_cust1", pgtype.UUID{}, "confirmed")
			}
			return makeAssignmentRow("page1_cust1", alice, "confirmed")
		},
	}
	mgr := NewLockManager(nil, conn)

	previous, assignment, err := mgr.Reassign(context.Background(), "page1_cust1", "")
	require.NoError(t, err)
	assert.Equal(t, opAlice, previous)
	assert.Empty(t, assignment.OperatorID)
}

func TestGetMissingRowIsUnclaimed(t *testing.T) {
	mgr := NewLockManager(nil, &fakeDBTX{})
	got, err := mgr.Get(context.Background(), "page1_cust1")
	require.NoError(t, err)
	assert.Empty(t, got.OperatorID)
	assert.Equal(t, StatusConfirmed, got.DeliveryStatus)
}
