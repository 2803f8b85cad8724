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

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// DefaultIdempotencyTTL is how long a replayable response is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyHeader is the request header carrying the client's key.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyEntry is a captured response for one idempotency key.
type IdempotencyEntry struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// IdempotencyStore persists captured responses. Implementations must be safe
// for concurrent use.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyEntry, bool, error)
	Set(ctx context.Context, key string, entry *IdempotencyEntry) error
}

// InMemoryIdempotencyStore keeps entries in process memory. Suitable for a
// single replica; use RedisIdempotencyStore when several replicas serve the
// same clients.
type InMemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*IdempotencyEntry
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
}

// NewInMemoryIdempotencyStore creates a store whose entries live for ttl.
// A background goroutine evicts expired entries every hour until Stop.
func NewInMemoryIdempotencyStore(ttl time.Duration) *InMemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &InMemoryIdempotencyStore{
		entries: make(map[string]*IdempotencyEntry),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *InMemoryIdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (s *InMemoryIdempotencyStore) Stop() {
	close(s.stop)
}

func (s *InMemoryIdempotencyStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

// Get returns a copy of the entry stored under key, if present and unexpired.
func (s *InMemoryIdempotencyStore) Get(_ context.Context, key string) (*IdempotencyEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return cloneEntry(entry), true, nil
}

// Set stores a copy of entry, stamping CreatedAt/ExpiresAt when unset.
func (s *InMemoryIdempotencyStore) Set(_ context.Context, key string, entry *IdempotencyEntry) error {
	cp := cloneEntry(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	s.entries[key] = cp
	return nil
}

func cloneEntry(e *IdempotencyEntry) *IdempotencyEntry {
	cp := *e
	if e.Headers != nil {
		cp.Headers = e.Headers.Clone()
	}
	cp.Body = append([]byte(nil), e.Body...)
	return &cp
}

// RedisIdempotencyStore shares captured responses across replicas. Entries
// are JSON documents under "hms:idem:<key>" expiring after the TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore wraps a connected client.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "hms:idem:"}
}

// Get loads the entry for key. A missing key is not an error.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get idempotency key: %w", err)
	}
	var entry IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &entry, true, nil
}

// Set writes the entry with the store TTL.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, entry *IdempotencyEntry) error {
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key: %w", err)
	}
	return nil
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// POST, PUT and PATCH. Keys are scoped per tenant. Reusing a key for a
// different method or path is rejected with 422. Handler errors and 5xx
// responses are not stored so that a retry re-executes the operation.
// A store failure never fails the request; the handler just runs.
func Idempotency(store IdempotencyStore, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			method := req.Method
			if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
				return next(c)
			}

			key := req.Header.Get(IdempotencyHeader)
			if key == "" {
				key = req.Header.Get("X-Idempotency-Key")
			}
			if key == "" {
				return next(c)
			}
			if tid, ok := c.Get("tenant_id").(string); ok && tid != "" {
				key = tid + ":" + key
			}

			ctx := req.Context()
			path := req.URL.Path

			cached, ok, err := store.Get(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("idempotency lookup failed")
			}
			if ok {
				if cached.Method != method || cached.Path != path {
					return echo.NewHTTPError(http.StatusUnprocessableEntity,
						"idempotency key was already used for a different operation")
				}
				resp := c.Response()
				for k, vals := range cached.Headers {
					for _, v := range vals {
						resp.Header().Add(k, v)
					}
				}
				resp.Header().Set("X-Idempotency-Replayed", "true")
				resp.WriteHeader(cached.StatusCode)
				_, err := resp.Write(cached.Body)
				return err
			}

			origWriter := c.Response().Writer
			rec := &idempotencyRecorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = rec

			if err := next(c); err != nil {
				c.Response().Writer = origWriter
				for k, vals := range rec.headers {
					origWriter.Header()[k] = vals
				}
				return err
			}
			c.Response().Writer = origWriter

			if rec.statusCode < http.StatusInternalServerError {
				entry := &IdempotencyEntry{
					Method:     method,
					Path:       path,
					StatusCode: rec.statusCode,
					Headers:    rec.headers.Clone(),
					Body:       rec.body.Bytes(),
				}
				if err := store.Set(ctx, key, entry); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("idempotency store failed")
				}
			}

			for k, vals := range rec.headers {
				origWriter.Header()[k] = vals
			}
			origWriter.WriteHeader(rec.statusCode)
			_, err = origWriter.Write(rec.body.Bytes())
			return err
		}
	}
}

// idempotencyRecorder buffers the status, headers and body written by the
// downstream handler.
type idempotencyRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *idempotencyRecorder) Header() http.Header {
	return r.headers
}

func (r *idempotencyRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.wroteHead = true
}

func (r *idempotencyRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.statusCode = http.StatusOK
		r.wroteHead = true
	}
	return r.body.Write(b)
}
