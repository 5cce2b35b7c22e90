package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
)

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, "idem:"), mr
}

func idempotentServer(store IdempotencyStore, calls *int32, status int) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = outcome.HTTPErrorHandler(zerolog.Nop())
	e.Use(Idempotency(store, time.Hour, zerolog.Nop()))
	e.POST("/api/v1/triage/claim", func(c echo.Context) error {
		n := atomic.AddInt32(calls, 1)
		return c.JSON(status, map[string]int32{"call": n})
	})
	e.POST("/api/v1/admissions", func(c echo.Context) error {
		atomic.AddInt32(calls, 1)
		return outcome.NotFound("patient not found")
	})
	return e
}

func post(e *echo.Echo, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]IdempotencyStore{
		"redis":  redisStore,
		"memory": NewMemoryIdempotencyStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			var calls int32
			e := idempotentServer(store, &calls, http.StatusOK)

			first := post(e, "/api/v1/triage/claim", "k-1")
			require.Equal(t, http.StatusOK, first.Code)

			second := post(e, "/api/v1/triage/claim", "k-1")
			assert.Equal(t, http.StatusOK, second.Code)
			assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
			assert.JSONEq(t, first.Body.String(), second.Body.String())
			assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

			post(e, "/api/v1/triage/claim", "k-2")
			post(e, "/api/v1/triage/claim", "")
			assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
		})
	}
}

func TestIdempotency_ErrorsReleaseTheKey(t *testing.T) {
	store, mr := newRedisStore(t)
	var calls int32
	e := idempotentServer(store, &calls, http.StatusOK)

	rec := post(e, "/api/v1/admissions", "k-err")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, mr.Exists("idem:/api/v1/admissions|k-err"))

	post(e, "/api/v1/admissions", "k-err")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotency_ServerErrorStatusIsNotStored(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	var calls int32
	e := idempotentServer(store, &calls, http.StatusServiceUnavailable)

	post(e, "/api/v1/triage/claim", "k-503")
	post(e, "/api/v1/triage/claim", "k-503")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotency_InFlightKeyConflicts(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ok, err := store.Reserve(context.Background(), "/api/v1/triage/claim|busy", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var calls int32
	e := idempotentServer(store, &calls, http.StatusOK)
	rec := post(e, "/api/v1/triage/claim", "busy")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestIdempotency_StoreDownFailsOpen(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	var calls int32
	e := idempotentServer(store, &calls, http.StatusOK)
	rec := post(e, "/api/v1/triage/claim", "k-down")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestIdempotency_KeysAreScopedByPath(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	var calls int32
	e := idempotentServer(store, &calls, http.StatusOK)
	e.POST("/api/v1/other", func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		return c.NoContent(http.StatusCreated)
	})

	post(e, "/api/v1/triage/claim", "shared")
	rec := post(e, "/api/v1/other", "shared")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))
}

func TestMemoryIdempotencyStore_Expires(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", StoredResponse{Status: 201, Body: []byte("x")}, time.Minute))
	resp, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 201, resp.Status)

	now = now.Add(2 * time.Minute)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisIdempotencyStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	ok, err = store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
