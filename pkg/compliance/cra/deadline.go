// Package cra computes statutory reporting deadlines for actively exploited
// vulnerabilities and severe incidents (Cyber Resilience Act Article 14).
//
// Deadlines are derived on every call from the case's detection time and the
// caller-supplied "now". Nothing is cached: remaining time changes every second.
package cra

import (
	"math"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// EarlyWarningDeadline is 24 hours per Article 14(2)(a) and 14(4)(a).
const EarlyWarningDeadline = 24 * time.Hour

// NotificationDeadline is 72 hours per Article 14(2)(b) and 14(4)(b).
const NotificationDeadline = 72 * time.Hour

// FinalReportVulnerabilityDeadline is 14 days for actively exploited vulnerabilities.
const FinalReportVulnerabilityDeadline = 14 * 24 * time.Hour

// FinalReportIncidentDeadline is one month (30 days) for severe incidents.
const FinalReportIncidentDeadline = 30 * 24 * time.Hour

// Deadline is one computed reporting obligation.
type Deadline struct {
	SubmissionType   contracts.SubmissionType `json:"submission_type"`
	DueAt            time.Time                `json:"due_at"`
	RemainingSeconds int64                    `json:"remaining_seconds"`
	Overdue          bool                     `json:"overdue"`
}

var statutoryOrder = []contracts.SubmissionType{
	contracts.SubmissionEarlyWarning,
	contracts.SubmissionNotification,
	contracts.SubmissionFinalReport,
}

// RequiredSubmissions lists the reports owed for an event type, in statutory order.
func RequiredSubmissions(eventType contracts.EventType) []contracts.SubmissionType {
	if !eventType.Valid() {
		return nil
	}
	return append([]contracts.SubmissionType(nil), statutoryOrder...)
}

// Offset returns the reporting window for a submission type. ok is false when
// the combination is unknown.
func Offset(eventType contracts.EventType, submissionType contracts.SubmissionType) (time.Duration, bool) {
	if !eventType.Valid() {
		return 0, false
	}
	switch submissionType {
	case contracts.SubmissionEarlyWarning:
		return EarlyWarningDeadline, true
	case contracts.SubmissionNotification:
		return NotificationDeadline, true
	case contracts.SubmissionFinalReport:
		if eventType == contracts.EventExploitedVulnerability {
			return FinalReportVulnerabilityDeadline, true
		}
		return FinalReportIncidentDeadline, true
	default:
		return 0, false
	}
}

// Compute returns the deadline for one submission type, measured against now.
// It returns nil rather than an error when the inputs are incomplete.
func Compute(eventType contracts.EventType, detectedAt time.Time, submissionType contracts.SubmissionType, now time.Time) *Deadline {
	if detectedAt.IsZero() {
		return nil
	}
	offset, ok := Offset(eventType, submissionType)
	if !ok {
		return nil
	}
	due := detectedAt.UTC().Add(offset)
	remaining := remainingSeconds(due, now)
	return &Deadline{
		SubmissionType:   submissionType,
		DueAt:            due,
		RemainingSeconds: remaining,
		Overdue:          remaining < 0,
	}
}

// ComputeAll returns every deadline owed for the event, in statutory order.
func ComputeAll(eventType contracts.EventType, detectedAt time.Time, now time.Time) []Deadline {
	var out []Deadline
	for _, st := range RequiredSubmissions(eventType) {
		if d := Compute(eventType, detectedAt, st, now); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// remainingSeconds floors toward negative infinity so a deadline that passed
// half a second ago already reads as overdue.
func remainingSeconds(due, now time.Time) int64 {
	return int64(math.Floor(due.Sub(now).Seconds()))
}

// Satisfied reports whether subs contain an active SUBMITTED report of type t.
func Satisfied(subs []*contracts.Submission, t contracts.SubmissionType) bool {
	for _, s := range subs {
		if s.SubmissionType == t && s.Active() && s.Status == contracts.SubmissionStatusSubmitted {
			return true
		}
	}
	return false
}

// Outstanding lists the required submission types for eventType that subs do
// not yet satisfy, in statutory order.
func Outstanding(eventType contracts.EventType, subs []*contracts.Submission) []contracts.SubmissionType {
	var out []contracts.SubmissionType
	for _, t := range RequiredSubmissions(eventType) {
		if !Satisfied(subs, t) {
			out = append(out, t)
		}
	}
	return out
}
