package server

import (
	"net/http"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/workflow"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// CreateCaseBody is the JSON body of POST /api/cases. The organization is
// always taken from the token.
type CreateCaseBody struct {
	ProductID    string                  `json:"product_id"`
	EventType    contracts.EventType     `json:"event_type"`
	Title        string                  `json:"title"`
	Description  string                  `json:"description,omitempty"`
	DetectedAt   time.Time               `json:"detected_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	Participants []contracts.Participant `json:"participants,omitempty"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var body CreateCaseBody
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.CreateCase(r.Context(), lifecycle.CreateCaseRequest{
		ProductID:    body.ProductID,
		EventType:    body.EventType,
		Title:        body.Title,
		Description:  body.Description,
		DetectedAt:   body.DetectedAt,
		StartedAt:    body.StartedAt,
		Participants: body.Participants,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.engine.ListCases(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cases == nil {
		cases = []*contracts.Case{}
	}
	api.WriteJSON(w, http.StatusOK, cases)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCase(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	var patch lifecycle.CasePatch
	if !api.DecodeJSON(w, r, &patch) {
		return
	}
	c, err := s.engine.UpdateCase(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

type advanceBody struct {
	To contracts.CaseStatus `json:"to"`
}

func (s *Server) handleAdvanceCase(w http.ResponseWriter, r *http.Request) {
	var body advanceBody
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.AdvanceCase(r.Context(), r.PathValue("id"), body.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CloseCase(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var p contracts.Participant
	if !api.DecodeJSON(w, r, &p) {
		return
	}
	c, err := s.engine.AddParticipant(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

type linksBody struct {
	Links []contracts.Link `json:"links"`
}

func (s *Server) handleAddLinks(w http.ResponseWriter, r *http.Request) {
	var body linksBody
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	c, err := s.engine.AddLinks(r.Context(), r.PathValue("id"), body.Links)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeadlines(w http.ResponseWriter, r *http.Request) {
	ds, err := s.engine.Deadlines(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ds)
}

// CreateSubmissionBody is the JSON body of POST /api/cases/{id}/submissions.
type CreateSubmissionBody struct {
	SubmissionType contracts.SubmissionType `json:"submission_type"`
	SchemaVersion  string                   `json:"schema_version,omitempty"`
	Supersede      bool                     `json:"supersede,omitempty"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var body CreateSubmissionBody
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	sub, err := s.engine.CreateSubmission(r.Context(), r.PathValue("id"), body.SubmissionType, workflow.CreateOptions{
		Supersede:     body.Supersede,
		SchemaVersion: body.SchemaVersion,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.ListSubmissions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []*contracts.Submission{}
	}
	api.WriteJSON(w, http.StatusOK, subs)
}
