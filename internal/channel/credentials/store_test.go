package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

type fakeDBTX struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (d *fakeDBTX) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (d *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if d.queryRowFunc != nil {
		return d.queryRowFunc(ctx, sql, args...)
	}
	return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func makeIntegrationRow(channelID, kind, token string) *fakeRow {
	return &fakeRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = channelID
		*dest[1].(*string) = kind
		*dest[2].(*string) = token
		*dest[3].(*bool) = true
		*dest[4].(*time.Time) = time.Now()
		return nil
	}}
}

func TestLookupMissingIsNamedError(t *testing.T) {
	store := NewStore(nil, &fakeDBTX{})
	_, err := store.Lookup(context.Background(), "104223")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestLookupReturnsLatestWrite(t *testing.T) {
	token := "EAAB-first"
	conn := &fakeDBTX{
		queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
			return makeIntegrationRow("104223", "messenger", token)
		},
	}
	store := NewStore(nil, conn)

	got, err := store.Lookup(context.Background(), "104223")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-first", got.AccessToken)

	// A credential write must be visible to the next lookup.
	token = "EAAB-rotated"
	got, err = store.Lookup(context.Background(), "104223")
	require.NoError(t, err)
	assert.Equal(t, "EAAB-rotated", got.AccessToken)
}

func TestUpsertValidates(t *testing.T) {
	store := NewStore(nil, &fakeDBTX{})
	_, err := store.Upsert(context.Background(), Integration{Kind: "messenger", AccessToken: "tok"})
	assert.Error(t, err)
	_, err = store.Upsert(context.Background(), Integration{ChannelID: "104223", Kind: "messenger"})
	assert.Error(t, err)
}

func TestMaskedToken(t *testing.T) {
	assert.Equal(t, "****", Integration{AccessToken: "short"}.MaskedToken())
	masked := Integration{AccessToken: "EAABsbCS1iHgBACK9ZAZBvZC"}.MaskedToken()
	assert.Equal(t, "EAAB********BvZC", masked)
	assert.NotContains(t, masked, "sbCS1iHg")
}
