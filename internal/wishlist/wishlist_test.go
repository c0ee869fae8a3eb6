package wishlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/httpx"
	"libraryapi/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Service, entity.Book) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(entity.User{ID: "alice", Username: "alice", Role: entity.RoleUser})
	b := entity.NewBook(entity.BookFields{Title: "Dune", LibraryID: "0000000042", ISBN: "9780441013593"}, time.Now())
	require.NoError(t, mem.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.InsertBook(context.Background(), b)
	}))
	return NewService(mem), b
}

func TestService_AddIsIdempotent(t *testing.T) {
	svc, b := setup(t)
	ctx := context.Background()

	first, err := svc.Add(ctx, "alice", b.ID)
	require.NoError(t, err)
	second, err := svc.Add(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	entries, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_AddUnknown(t *testing.T) {
	svc, b := setup(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Add(ctx, "nobody", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Remove(t *testing.T) {
	svc, b := setup(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "alice", b.ID)
	require.NoError(t, err)

	removed, err := svc.Remove(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Remove(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	entries, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPHandler(t *testing.T) {
	svc, b := setup(t)
	h := NewHTTPHandler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/books/{id}/wishlist", h.Add)
	mux.HandleFunc("DELETE /v1/books/{id}/wishlist", h.Remove)
	mux.HandleFunc("GET /v1/me/wishlist", h.Mine)

	do := func(method, target, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		if user != "" {
			req = req.WithContext(httpx.ContextWithUser(req.Context(), user, entity.RoleUser))
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/v1/books/"+b.ID+"/wishlist", "").Code)
	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/v1/books/"+b.ID+"/wishlist", "alice").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/v1/books/nope/wishlist", "alice").Code)

	rec := do(http.MethodGet, "/v1/me/wishlist", "alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), b.ID)

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/v1/books/"+b.ID+"/wishlist", "alice").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/v1/books/"+b.ID+"/wishlist", "alice").Code)
}
