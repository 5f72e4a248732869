package wallets_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func newQueriesFixture(t *testing.T) (*sql.DB, *wallets.Queries) {
	t.Helper()
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, wallets.Migrate(db))
	return db, wallets.NewQueries(db, query.Limits{DefaultLimit: 10, MaxLimit: 100})
}

func seedWallet(t *testing.T, db *sql.DB, id, userID, balance string, deleted bool) {
	t.Helper()
	var deletedAt any
	if deleted {
		deletedAt = 99
	}
	_, err := db.Exec(`
		INSERT INTO wallets_view (id, version, user_id, balance, created_at, updated_at, deleted_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)`,
		id, userID, balance, len(id), len(id), deletedAt)
	require.NoError(t, err)
}

func TestListWalletsPaginatesAndFilters(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedWallet(t, db, fmt.Sprintf("wallet-%d", i), "user-shared", fmt.Sprintf("%d", i*10), false)
	}
	seedWallet(t, db, "wallet-other", "user-other", "50", false)
	seedWallet(t, db, "wallet-dead", "user-shared", "0", true)

	params := query.Parse(url.Values{
		"user_id": {"user-shared"},
		"limit":   {"2"},
		"sort":    {"balance"},
	}, queries.Limits(), wallets.FilterKeys...)

	result, err := queries.List(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Pagination.Total, "soft-deleted rows stay out of the count")
	assert.Equal(t, 2, result.Pagination.Pages)
	assert.True(t, result.Pagination.HasNext)

	docs, ok := result.Data.([]map[string]any)
	require.True(t, ok)
	require.Len(t, docs, 2)
	assert.Equal(t, "wallet-0", docs[0]["id"])
	assert.Equal(t, "0", docs[0]["balance"], "money stays a string")
}

func TestGetWalletHidesDeleted(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	seedWallet(t, db, "wallet-1", "user-1", "12.5", false)
	seedWallet(t, db, "wallet-dead", "user-2", "0", true)

	doc, err := queries.Get(ctx, "wallet-1", false)
	require.NoError(t, err)
	assert.Equal(t, "user-1", doc["user_id"])
	assert.Equal(t, "12.5", doc["balance"])

	_, err = queries.Get(ctx, "wallet-dead", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletNotFound, domain.AsAppError(err).Code)

	doc, err = queries.Get(ctx, "wallet-dead", true)
	require.NoError(t, err)
	assert.Contains(t, doc, "deleted_at")

	_, err = queries.Get(ctx, "never-existed", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletNotFound, domain.AsAppError(err).Code)
}
