// Package retry computes deterministic exponential backoff for outbound
// delivery attempts. The same attempt always waits the same amount of time,
// which keeps retries reproducible in tests and audit trails.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify the attempt being delayed. They seed the jitter.
type BackoffParams struct {
	PolicyID     string
	Channel      string
	SubmissionID string
	AttemptID    string
	AttemptIndex int
}

type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultNotifierPolicy is used for regulator deliveries.
var DefaultNotifierPolicy = BackoffPolicy{
	PolicyID:    "notifier-default",
	BaseMs:      200,
	MaxMs:       5000,
	MaxJitterMs: 100,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay before the given attempt.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%s:%d",
		params.PolicyID,
		params.Channel,
		params.SubmissionID,
		params.AttemptID,
		params.AttemptIndex,
	)
	hash := sha256.Sum256([]byte(seed))
	return int64(binary.BigEndian.Uint64(hash[:8]) % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delays before each retry, excluding the first attempt.
func Schedule(params BackoffParams, policy BackoffPolicy) []time.Duration {
	if policy.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, policy.MaxAttempts-1)
	for i := 1; i < policy.MaxAttempts; i++ {
		p := params
		p.AttemptIndex = i
		out = append(out, ComputeBackoff(p, policy))
	}
	return out
}
