package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/discloser/pkg/retry"
	"github.com/Mindburn-Labs/discloser/pkg/util/resiliency"
)

// EndpointConfig describes one HTTP receiver.
type EndpointConfig struct {
	Name          string
	URL           string
	ClientID      string
	Secret        string
	RatePerSecond float64
	Burst         int
}

// HTTPNotifier POSTs payloads as JSON to a receiver endpoint.
type HTTPNotifier struct {
	name     string
	endpoint string
	client   *resiliency.EnhancedClient
	limiter  *rate.Limiter
	signer   *AssertionSigner
	logger   *slog.Logger
}

type HTTPOption func(*HTTPNotifier)

func WithEnhancedClient(c *resiliency.EnhancedClient) HTTPOption {
	return func(n *HTTPNotifier) { n.client = c }
}

func WithSigner(s *AssertionSigner) HTTPOption {
	return func(n *HTTPNotifier) { n.signer = s }
}

func NewHTTPNotifier(cfg EndpointConfig, opts ...HTTPOption) (*HTTPNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notifier %s: endpoint url is required", cfg.Name)
	}
	r := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	n := &HTTPNotifier{
		name:     cfg.Name,
		endpoint: cfg.URL,
		limiter:  rate.NewLimiter(r, burst),
		logger:   slog.Default().With("component", "notifier", "receiver", cfg.Name),
	}
	if cfg.ClientID != "" && cfg.Secret != "" {
		signer, err := NewAssertionSigner(cfg.ClientID, []byte(cfg.Secret), nil)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", cfg.Name, err)
		}
		n.signer = signer
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.client == nil {
		n.client = resiliency.NewEnhancedClient(cfg.Name)
	}
	return n, nil
}

func (n *HTTPNotifier) Submit(ctx context.Context, p Payload) (Receipt, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("%s: rate limit wait: %w", n.name, err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: marshal payload: %w", n.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: build request: %w", n.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.AttemptID)
	if n.signer != nil {
		token, err := n.signer.Sign(n.endpoint, p)
		if err != nil {
			return Receipt{}, fmt.Errorf("%s: sign assertion: %w", n.name, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := n.client.Do(req, retry.BackoffParams{
		PolicyID:     retry.DefaultNotifierPolicy.PolicyID,
		Channel:      string(p.Channel),
		SubmissionID: p.SubmissionID,
		AttemptID:    p.AttemptID,
	})
	if err != nil {
		n.logger.WarnContext(ctx, "delivery failed", "submission_id", p.SubmissionID, "error", err)
		return Receipt{}, fmt.Errorf("%s: %w", n.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: read response: %w", n.name, err)
	}
	n.logger.DebugContext(ctx, "delivery response",
		"submission_id", p.SubmissionID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	var receipt Receipt
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &receipt); err != nil && resp.StatusCode < 300 {
			return Receipt{}, fmt.Errorf("%s: decode receipt: %w", n.name, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := receipt.Error
		if detail == "" {
			detail = truncate(string(raw), 200)
		}
		return receipt, fmt.Errorf("%s: status %d: %s: %w", n.name, resp.StatusCode, detail, ErrRejected)
	}
	if receipt.Failed() {
		return receipt, fmt.Errorf("%s: %w", n.name, receipt.RejectionError())
	}
	if receipt.Reference == "" {
		return receipt, fmt.Errorf("%s: receipt has no reference: %w", n.name, ErrRejected)
	}
	return receipt, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
