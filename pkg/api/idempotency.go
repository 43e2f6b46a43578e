package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a previously seen response kept for idempotent replay.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// Fingerprint is the hash of method, path and body of the original request.
	Fingerprint string
	CachedAt    time.Time
}

// IdempotencyStore persists cached responses keyed by scoped idempotency key.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store with the given TTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.clock().Sub(cached.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	return cached, true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

// Sweep removes expired entries.
func (s *MemoryIdempotencyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// ScopeFunc returns the namespace an idempotency key lives in, typically the
// caller's organization and subject.
type ScopeFunc func(r *http.Request) string

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyMiddleware ensures that mutating requests carrying an
// Idempotency-Key header are processed once. A replay with the same key and
// payload receives the cached response; a different payload gets 422.
func IdempotencyMiddleware(store IdempotencyStore, scope ScopeFunc) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Idempotency-Key exceeds 255 characters")
				return
			}
			if scope != nil {
				key = scope(r) + "|" + key
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := fingerprint(r, body)

			cached, ok, err := store.Check(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err)
			}
			if ok {
				if cached.Fingerprint != "" && cached.Fingerprint != fp {
					WriteErrorR(w, r, http.StatusUnprocessableEntity, "Idempotency Key Reused",
						"Idempotency-Key was already used with a different request")
					return
				}
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.Set(r.Context(), key, &CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					Fingerprint: fp,
					CachedAt:    time.Now().UTC(),
				})
				if err != nil {
					logger.Warn("idempotency store failed", "error", err)
				}
			}
		})
	}
}
