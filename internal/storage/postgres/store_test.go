package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestSaveTokenUpserts(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	token := []byte(`{"remaining_pages":[7]}`)
	mock.ExpectExec("INSERT INTO resume_tokens").
		WithArgs("s1", token, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewTokenStoreWithDB(mock)
	require.NoError(t, store.SaveToken(context.Background(), "s1", token))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTokenWrapsExecError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO resume_tokens").
		WithArgs("s1", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	store := NewTokenStoreWithDB(mock)
	err := store.SaveToken(context.Background(), "s1", []byte(`{}`))
	require.ErrorContains(t, err, "upsert resume token")
}

func TestLoadTokenReturnsStoredBytes(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	token := []byte(`{"remaining_pages":[3,4]}`)
	mock.ExpectQuery("SELECT token FROM resume_tokens").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow(token))

	store := NewTokenStoreWithDB(mock)
	got, err := store.LoadToken(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, token, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadTokenMapsNoRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("SELECT token FROM resume_tokens").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"token"}))

	store := NewTokenStoreWithDB(mock)
	_, err := store.LoadToken(context.Background(), "ghost")
	require.ErrorIs(t, err, crawl.ErrTokenNotFound)
}

func TestPersistProductUpserts(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO products").
		WithArgs("sku-1", "https://x/p/sku-1", []byte(`{"name":"Widget"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewProductStore(mock)
	err := store.Persist(context.Background(), crawl.Product{
		ID:     "sku-1",
		URL:    "https://x/p/sku-1",
		Fields: map[string]string{"name": "Widget"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistProductWrapsExecError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO products").
		WithArgs("sku-1", "", []byte(`null`), pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))

	store := NewProductStore(mock)
	err := store.Persist(context.Background(), crawl.Product{ID: "sku-1"})
	require.ErrorContains(t, err, "upsert product")
}
