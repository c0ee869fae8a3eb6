package main

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"libraryapi/internal/author"
	"libraryapi/internal/blob"
	"libraryapi/internal/circulation"
	"libraryapi/internal/enrich"
	"libraryapi/internal/entity"
	"libraryapi/internal/ingest"
	"libraryapi/internal/notify"
	"libraryapi/internal/store"
	"libraryapi/internal/testutil"
	"libraryapi/internal/validation"
	"libraryapi/internal/wishlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "routing-test-secret"

type testServer struct {
	handler   http.Handler
	mem       *store.Memory
	scheduler *ingest.Scheduler
	book      entity.Book
}

func newTestServer(t *testing.T, ready func(context.Context) error) *testServer {
	t.Helper()
	mem := store.NewMemory()
	for _, u := range parseUsers("u1:alice:USER,a1:admin:ADMIN") {
		mem.PutUser(u)
	}
	book := entity.NewBook(entity.BookFields{Title: "Dune", LibraryID: "0000000042", ISBN: "9780441013593"}, time.Now())
	require.NoError(t, mem.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.InsertBook(context.Background(), book)
	}))

	blobs := blob.NewMemory()
	notifier := notify.NewAsync(notify.LogNotifier{From: "library@test"}, time.Second)
	pipeline := ingest.NewPipeline(mem, validation.NewRowValidator(nil), author.NewResolver(), 0)
	scheduler := ingest.NewScheduler(pipeline, ingest.NewMemoryRunRepo(), blobs, notifier, ingest.SchedulerConfig{Workers: 1})
	require.NoError(t, scheduler.Start(context.Background()))
	t.Cleanup(scheduler.Stop)

	h := newRouter(handlers{
		imports:     ingest.NewHTTPHandler(scheduler, blobs),
		circulation: circulation.NewHTTPHandler(circulation.NewEngine(mem, notifier, 0)),
		wishlist:    wishlist.NewHTTPHandler(wishlist.NewService(mem)),
		enrich:      enrich.NewHTTPHandler(enrich.NewService(mem, nil, "", 0)),
	}, routerConfig{jwtSecret: testSecret, maxUploadBytes: 1 << 20, ready: ready})
	return &testServer{handler: h, mem: mem, scheduler: scheduler, book: book}
}

func token(t *testing.T, userID, role string) string {
	return testutil.Token(t, testSecret, userID, role)
}

func (s *testServer) do(method, target, tok string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil, "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", "", nil, "").Code)

	rec := s.do(http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	down := newTestServer(t, func(context.Context) error { return errors.New("down") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", "", nil, "").Code)
}

func TestV1Routing_Auth(t *testing.T) {
	s := newTestServer(t, nil)
	userTok := token(t, "u1", entity.RoleUser)
	adminTok := token(t, "a1", entity.RoleAdmin)

	rec := s.do(http.MethodGet, "/v1/me/wishlist", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", testutil.ErrorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	expired := testutil.ExpiredToken(testSecret, "u1", entity.RoleUser)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/me/wishlist", expired, nil, "").Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/me/wishlist", userTok, nil, "").Code)
	rec = s.do(http.MethodGet, "/v1/reports/borrowed", userTok, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", testutil.ErrorCode(t, rec))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/reports/borrowed", adminTok, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/books", userTok, nil, "").Code)
}

func TestV1Routing_CirculationFlow(t *testing.T) {
	s := newTestServer(t, nil)
	userTok := token(t, "u1", entity.RoleUser)
	adminTok := token(t, "a1", entity.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/v1/books/"+s.book.ID+"/copies", userTok, nil, "").Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/books/"+s.book.ID+"/copies", adminTok, nil, "").Code)

	var copies []entity.BookCopy
	require.NoError(t, s.mem.View(context.Background(), func(tx store.Tx) error {
		var err error
		copies, err = tx.ListCopies(context.Background(), s.book.ID)
		return err
	}))
	require.Len(t, copies, 1)

	assert.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/copies/"+copies[0].ID+"/borrow", userTok, nil, "").Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/copies/"+copies[0].ID+"/borrow", adminTok, nil, "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/copies/"+copies[0].ID+"/return", userTok, nil, "").Code)
}

func TestV1Routing_ImportSubmit(t *testing.T) {
	s := newTestServer(t, nil)
	adminTok := token(t, "a1", entity.RoleAdmin)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", "books.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("id,authors,publication year,title,language,isbn\n1,Frank Herbert,1965,Dune,eng,9780441013593\n"))
	require.NoError(t, mw.Close())

	rec := s.do(http.MethodPost, "/v1/imports", adminTok, body, mw.FormDataContentType())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "task_id")

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/imports", adminTok, nil, "").Code)
}

func TestV1Routing_AmazonIDs(t *testing.T) {
	s := newTestServer(t, nil)
	req := testutil.NewRequestWithAuth(http.MethodPost, "/v1/books/amazon-ids",
		[]map[string]string{{"book_id": s.book.ID, "amazon_id": "B00B7NPRY8"}}, token(t, "a1", entity.RoleAdmin))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, testutil.Envelope(t, rec)["success"])
}

func TestParseUsers(t *testing.T) {
	users := parseUsers("u1:alice:user, a1:admin:ADMIN,broken,:x:USER")
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, entity.RoleUser, users[0].Role)
	assert.Equal(t, entity.RoleAdmin, users[1].Role)
	assert.Empty(t, parseUsers(""))
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@localhost:5432/db", redactDSN("postgres://user:pw@localhost:5432/db"))
	assert.Equal(t, "host=localhost", redactDSN("host=localhost"))
}
