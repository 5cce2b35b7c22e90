package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// StoredResponse is a completed response kept for replay.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyStore remembers responses by key. A key is first reserved,
// then either saved with its response or released so the client may retry.
type IdempotencyStore interface {
	// Reserve claims key. It returns false when the key is already reserved
	// or completed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Get returns the stored response. found with a nil response means the
	// key is reserved but not yet completed.
	Get(ctx context.Context, key string) (resp *StoredResponse, found bool, err error)
	Save(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// -- Redis --

const pendingMarker = "pending"

// RedisIdempotencyStore shares keys across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) key(k string) string { return s.prefix + k }

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), pendingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	if string(raw) == pendingMarker {
		return nil, true, nil
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// -- In-memory --

type idemEntry struct {
	resp      *StoredResponse
	expiresAt time.Time
}

// MemoryIdempotencyStore serves a single replica. Expired entries are
// dropped lazily.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]idemEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) live(key string) (idemEntry, bool) {
	e, ok := s.entries[key]
	if ok && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return idemEntry{}, false
	}
	return e, ok
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = idemEntry{expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	return e.resp, ok, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idemEntry{resp: &resp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// -- Middleware --

// teeWriter copies the response body while it is written.
type teeWriter struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a POST that repeats an
// Idempotency-Key, so a retried claim or registration is not applied twice.
// Keys are scoped by path. Responses with status >= 500 and handler errors
// release the key. Store failures are logged and the request proceeds
// without protection.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(IdempotencyKeyHeader)
			if req.Method != http.MethodPost || key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKeyLen {
				return outcome.Validation("invalid idempotency key",
					fmt.Sprintf("%s must be at most %d characters", IdempotencyKeyHeader, maxIdempotencyKeyLen))
			}

			ctx := req.Context()
			scoped := req.URL.Path + "|" + key
			log := logger.With().Str("request_id", requestID(c)).Str("idempotency_key", key).Logger()

			resp, found, err := store.Get(ctx, scoped)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency store unavailable")
				return next(c)
			}
			if found {
				return replay(c, resp)
			}

			reserved, err := store.Reserve(ctx, scoped, ttl)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency store unavailable")
				return next(c)
			}
			if !reserved {
				// Lost the race to a concurrent request with the same key.
				resp, _, _ := store.Get(ctx, scoped)
				return replay(c, resp)
			}

			tee := &teeWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = tee
			err = next(c)
			c.Response().Writer = tee.ResponseWriter

			// Release and save outlive a cancelled request context.
			bg := context.WithoutCancel(ctx)
			status := c.Response().Status
			if err != nil || !c.Response().Committed || status >= http.StatusInternalServerError {
				if relErr := store.Release(bg, scoped); relErr != nil {
					log.Warn().Err(relErr).Msg("release idempotency key")
				}
				return err
			}

			saved := StoredResponse{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        tee.buf.Bytes(),
			}
			if saveErr := store.Save(bg, scoped, saved, ttl); saveErr != nil {
				log.Warn().Err(saveErr).Msg("save idempotent response")
			}
			return nil
		}
	}
}

func replay(c echo.Context, resp *StoredResponse) error {
	if resp == nil {
		return outcome.Conflict("a request with this %s is still in progress", IdempotencyKeyHeader)
	}
	c.Response().Header().Set(ReplayedHeader, "true")
	return c.Blob(resp.Status, resp.ContentType, resp.Body)
}
