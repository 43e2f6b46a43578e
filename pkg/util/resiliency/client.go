package resiliency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/retry"
)

// EnhancedClient wraps http.Client with resilience patterns:
// - Deterministic exponential backoff
// - Circuit breaking
// - Trace context injection
type EnhancedClient struct {
	client  *http.Client
	policy  retry.BackoffPolicy
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*EnhancedClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(e *EnhancedClient) { e.client = c }
}

func WithPolicy(p retry.BackoffPolicy) ClientOption {
	return func(e *EnhancedClient) { e.policy = p }
}

func WithBreaker(b *CircuitBreaker) ClientOption {
	return func(e *EnhancedClient) { e.breaker = b }
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(e *EnhancedClient) { e.sleep = fn }
}

func NewEnhancedClient(name string, opts ...ClientOption) *EnhancedClient {
	c := &EnhancedClient{
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  retry.DefaultNotifierPolicy,
		breaker: NewCircuitBreaker(name, 5, 30*time.Second),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes an HTTP request with retries. The request body must be
// replayable through GetBody when more than one attempt is allowed.
// Responses with status >= 500 or 429 are retried; the last one is returned.
func (c *EnhancedClient) Do(req *http.Request, params retry.BackoffParams) (*http.Response, error) {
	req.Header.Set("traceparent", traceparent())

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}

	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var resp *http.Response
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.AttemptIndex = i
			if serr := c.sleep(req.Context(), retry.ComputeBackoff(p, c.policy)); serr != nil {
				c.breaker.Failure()
				return nil, serr
			}
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return nil, fmt.Errorf("rewind request body: %w", berr)
				}
				req.Body = body
			}
		}

		resp, err = c.client.Do(req)
		if err == nil && !retryable(resp.StatusCode) {
			c.breaker.Success()
			return resp, nil
		}
		if cerr := req.Context().Err(); cerr != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			c.breaker.Failure()
			return nil, cerr
		}
		if i < attempts-1 && resp != nil {
			_ = resp.Body.Close()
		}
	}

	c.breaker.Failure()
	return resp, err
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func traceparent() string {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return fmt.Sprintf("00-%s-0000000000000001-01", traceID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
