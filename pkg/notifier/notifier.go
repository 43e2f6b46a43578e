// Package notifier delivers submissions to regulatory receivers: the
// ENISA single reporting platform and national CSIRTs.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

var (
	// ErrRejected means the receiver answered but did not accept the report.
	ErrRejected       = errors.New("receiver rejected submission")
	ErrUnknownCountry = errors.New("no CSIRT registered for country")
)

// Payload is what a receiver gets for one channel attempt.
type Payload struct {
	SubmissionID   string                   `json:"submission_id"`
	CaseID         string                   `json:"case_id"`
	OrganizationID string                   `json:"organization_id"`
	SubmissionType contracts.SubmissionType `json:"submission_type"`
	SchemaVersion  string                   `json:"schema_version"`
	Channel        contracts.Channel        `json:"channel"`
	CountryCode    string                   `json:"country_code,omitempty"`
	Content        json.RawMessage          `json:"content"`
	AttemptID      string                   `json:"attempt_id"`
}

// Receipt statuses a receiver may report.
const (
	StatusSubmitted = "SUBMITTED"
	StatusFailed    = "FAILED"
)

// Receipt is the receiver's acknowledgement.
type Receipt struct {
	Reference string `json:"reference"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the receiver answered with an in-band FAILED verdict.
func (r Receipt) Failed() bool {
	return strings.EqualFold(r.Status, StatusFailed)
}

// RejectionError describes a FAILED receipt as an error wrapping ErrRejected.
func (r Receipt) RejectionError() error {
	detail := r.Error
	if detail == "" {
		detail = "no reason given"
	}
	return fmt.Errorf("receiver reported %s: %s: %w", StatusFailed, detail, ErrRejected)
}

type Notifier interface {
	Submit(ctx context.Context, p Payload) (Receipt, error)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, p Payload) (Receipt, error)

func (f Func) Submit(ctx context.Context, p Payload) (Receipt, error) { return f(ctx, p) }

// LoopbackNotifier accepts every payload and keeps it in memory. Used in
// lite mode and tests.
type LoopbackNotifier struct {
	mu       sync.Mutex
	name     string
	received []Payload
}

func NewLoopbackNotifier(name string) *LoopbackNotifier {
	return &LoopbackNotifier{name: name}
}

func (l *LoopbackNotifier) Submit(ctx context.Context, p Payload) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, p)
	ref := fmt.Sprintf("%s-%s-%d", strings.ToUpper(l.name), shortID(p.SubmissionID), len(l.received))
	return Receipt{Reference: ref, Status: StatusSubmitted}, nil
}

// Received returns a copy of the payloads accepted so far.
func (l *LoopbackNotifier) Received() []Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Payload(nil), l.received...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
