package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
)

type resolverFunc func(*http.Request) (auth.Identity, error)

func (f resolverFunc) FromRequest(r *http.Request) (auth.Identity, error) { return f(r) }

type brokenHistory struct{}

func (brokenHistory) Query(context.Context, string, string) ([]chat.Message, error) {
	return nil, errors.New("db down")
}

func newTestMux(t *testing.T, history chat.HistoryStore, uploads http.Handler) (*http.ServeMux, *auth.Verifier) {
	t.Helper()
	v := auth.NewVerifier("secret", "test")
	mux := http.NewServeMux()
	NewHandler(v, history, uploads, "http://localhost:5173").Register(mux)
	return mux, v
}

func request(t *testing.T, v *auth.Verifier, path string, id *auth.Identity) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if id != nil {
		token, err := v.Issue(*id, time.Hour)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	return req
}

func TestProfile(t *testing.T) {
	mux, v := newTestMux(t, chat.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/profile", &auth.Identity{UserID: "u1", Username: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.JSONEq(t, `{"userId":"u1","username":"alice"}`, rec.Body.String())
}

func TestProfileUnauthorized(t *testing.T) {
	mux, v := newTestMux(t, chat.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/profile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"no token"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: "garbage"})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())
}

func TestMessages(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	for _, m := range []chat.NewMessage{
		{Sender: "u1", Recipient: "u2", Text: "hi"},
		{Sender: "u2", Recipient: "u1", Text: "hey"},
		{Sender: "u3", Recipient: "u1", Text: "unrelated"},
	} {
		_, err := store.Create(ctx, m)
		require.NoError(t, err)
	}
	mux, v := newTestMux(t, store, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/messages/u2", &auth.Identity{UserID: "u1", Username: "alice"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []chat.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "hey", got[1].Text)
}

func TestMessagesEmptyIsArray(t *testing.T) {
	mux, v := newTestMux(t, chat.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/messages/u9", &auth.Identity{UserID: "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestMessagesErrors(t *testing.T) {
	mux, v := newTestMux(t, brokenHistory{}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/messages/u2", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/messages/u2", &auth.Identity{UserID: "u1"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUploads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-1.txt"), []byte("hello"), 0o644))
	mux, v := newTestMux(t, chat.NewMemoryStore(), http.FileServer(http.Dir(dir)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/uploads/1-1.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, request(t, v, "/api/uploads/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthenticateErrors(t *testing.T) {
	tests := map[string]struct {
		err  error
		code int
		body string
	}{
		"expired":      {fmt.Errorf("cookie: %w", auth.ErrExpiredToken), http.StatusUnauthorized, `{"error":"invalid token"}`},
		"missing":      {auth.ErrMissingToken, http.StatusUnauthorized, `{"error":"no token"}`},
		"backend down": {errors.New("keystore unreachable"), http.StatusInternalServerError, `{"error":"identity unavailable"}`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resolver := resolverFunc(func(*http.Request) (auth.Identity, error) {
				return auth.Identity{}, tt.err
			})
			mux := http.NewServeMux()
			NewHandler(resolver, chat.NewMemoryStore(), nil, "").Register(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}
