package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// Content is the typed form of a submission's content_json. Exactly one
// variant exists per submission type.
type Content interface {
	SubmissionType() contracts.SubmissionType
}

// EarlyWarningContent is the first, short report.
type EarlyWarningContent struct {
	Summary              string     `json:"summary"`
	ProductName          string     `json:"product_name"`
	SuspectedMalicious   bool       `json:"suspected_malicious"`
	CrossBorderImpact    bool       `json:"cross_border_impact"`
	AffectedMemberStates []string   `json:"affected_member_states,omitempty"`
	EventStartedAt       *time.Time `json:"event_started_at,omitempty"`
}

func (EarlyWarningContent) SubmissionType() contracts.SubmissionType {
	return contracts.SubmissionEarlyWarning
}

// NotificationContent is the intermediate report.
type NotificationContent struct {
	Summary                string     `json:"summary"`
	Severity               string     `json:"severity"`
	ImpactDescription      string     `json:"impact_description"`
	AffectedProducts       []string   `json:"affected_products"`
	IndicatorsOfCompromise []string   `json:"indicators_of_compromise,omitempty"`
	MitigationAvailable    bool       `json:"mitigation_available"`
	MitigationDescription  string     `json:"mitigation_description,omitempty"`
	EventStartedAt         *time.Time `json:"event_started_at,omitempty"`
}

func (NotificationContent) SubmissionType() contracts.SubmissionType {
	return contracts.SubmissionNotification
}

// FinalReportContent closes the reporting obligation.
type FinalReportContent struct {
	Summary            string     `json:"summary"`
	Severity           string     `json:"severity"`
	ImpactDescription  string     `json:"impact_description"`
	RootCause          string     `json:"root_cause,omitempty"`
	CorrectiveMeasures []string   `json:"corrective_measures,omitempty"`
	CVEIdentifiers     []string   `json:"cve_identifiers,omitempty"`
	PatchAvailableAt   *time.Time `json:"patch_available_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

func (FinalReportContent) SubmissionType() contracts.SubmissionType {
	return contracts.SubmissionFinalReport
}

// DecodeContent decodes raw into the variant for t. Unknown fields are rejected.
func DecodeContent(t contracts.SubmissionType, raw json.RawMessage) (Content, error) {
	var target Content
	switch t {
	case contracts.SubmissionEarlyWarning:
		target = &EarlyWarningContent{}
	case contracts.SubmissionNotification:
		target = &NotificationContent{}
	case contracts.SubmissionFinalReport:
		target = &FinalReportContent{}
	default:
		return nil, fmt.Errorf("unknown submission type %q: %w", t, contracts.ErrInvalidInput)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, err
	}
	return target, nil
}
