package compliance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/discloser/pkg/canonicalize"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/cra"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// DeadlineStatus is a computed deadline joined with the case's submissions.
type DeadlineStatus struct {
	cra.Deadline
	Satisfied        bool                       `json:"satisfied"`
	SubmissionID     string                     `json:"submission_id,omitempty"`
	SubmissionStatus contracts.SubmissionStatus `json:"submission_status,omitempty"`
}

// Deadlines returns one entry per required report, in statutory order.
func (e *Engine) Deadlines(ctx context.Context, caseID string) ([]DeadlineStatus, error) {
	c, err := e.authorizeCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	subs, err := e.subs.ListSubmissions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return deadlineStatuses(c, subs, e.clock()), nil
}

func deadlineStatuses(c *contracts.Case, subs []*contracts.Submission, now time.Time) []DeadlineStatus {
	deadlines := cra.ComputeAll(c.EventType, c.DetectedAt, now)
	out := make([]DeadlineStatus, 0, len(deadlines))
	for _, d := range deadlines {
		st := DeadlineStatus{Deadline: d, Satisfied: cra.Satisfied(subs, d.SubmissionType)}
		for _, s := range subs {
			if s.SubmissionType == d.SubmissionType && s.Active() {
				st.SubmissionID = s.ID
				st.SubmissionStatus = s.Status
				break
			}
		}
		out = append(out, st)
	}
	return out
}

// OverdueItem is one unsatisfied report whose deadline has passed.
type OverdueItem struct {
	CaseID         string                   `json:"case_id"`
	Title          string                   `json:"title"`
	EventType      contracts.EventType      `json:"event_type"`
	SubmissionType contracts.SubmissionType `json:"submission_type"`
	DueAt          time.Time                `json:"due_at"`
	OverdueSeconds int64                    `json:"overdue_seconds"`
}

// OverdueReport lists every overdue obligation of an organization.
// ContentHash covers everything except ReportID and GeneratedAt, so two
// reports over the same state hash equally.
type OverdueReport struct {
	ReportID       string        `json:"report_id"`
	OrganizationID string        `json:"organization_id"`
	GeneratedAt    time.Time     `json:"generated_at"`
	OpenCases      int           `json:"open_cases"`
	Items          []OverdueItem `json:"items"`
	ContentHash    string        `json:"content_hash"`
}

// OverdueReport scans the caller's open cases.
func (e *Engine) OverdueReport(ctx context.Context) (*OverdueReport, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	cases, err := e.cases.ListCases(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}

	now := e.clock().UTC()
	report := &OverdueReport{
		ReportID:       uuid.New().String(),
		OrganizationID: org,
		GeneratedAt:    now,
		Items:          []OverdueItem{},
	}
	for _, c := range cases {
		if c.IsClosed() {
			continue
		}
		report.OpenCases++
		subs, err := e.subs.ListSubmissions(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list submissions for case %s: %w", c.ID, err)
		}
		for _, st := range deadlineStatuses(c, subs, now) {
			if st.Satisfied || !st.Overdue {
				continue
			}
			report.Items = append(report.Items, OverdueItem{
				CaseID:         c.ID,
				Title:          c.Title,
				EventType:      c.EventType,
				SubmissionType: st.SubmissionType,
				DueAt:          st.DueAt,
				OverdueSeconds: -st.RemainingSeconds,
			})
		}
	}
	sort.SliceStable(report.Items, func(i, j int) bool {
		if !report.Items[i].DueAt.Equal(report.Items[j].DueAt) {
			return report.Items[i].DueAt.Before(report.Items[j].DueAt)
		}
		return report.Items[i].CaseID < report.Items[j].CaseID
	})

	hash, err := canonicalize.CanonicalHash(struct {
		OrganizationID string        `json:"organization_id"`
		OpenCases      int           `json:"open_cases"`
		Items          []OverdueItem `json:"items"`
	}{org, report.OpenCases, stripDurations(report.Items)})
	if err != nil {
		return nil, fmt.Errorf("hash overdue report: %w", err)
	}
	report.ContentHash = hash
	return report, nil
}

// stripDurations drops the clock-dependent field from hashed content.
func stripDurations(items []OverdueItem) []OverdueItem {
	out := make([]OverdueItem, len(items))
	for i, it := range items {
		it.OverdueSeconds = 0
		out[i] = it
	}
	return out
}
