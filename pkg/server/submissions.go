package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.GetSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

// handleSetContent stores the request body verbatim as the draft content.
func (s *Server) handleSetContent(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !api.DecodeJSON(w, r, &raw) {
		return
	}
	sub, err := s.engine.SetContent(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

// handleValidate returns 200 with the submission whether or not validation
// passed; ValidationErrors carries the findings.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Validate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) handleMarkReady(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.MarkReady)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Export)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*contracts.Submission, error)) {
	sub, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := s.engine.ExportBundle(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="submission-`+id+`.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// MarkSubmittedBody records an out-of-band submission.
type MarkSubmittedBody struct {
	Reference                string `json:"reference"`
	AcknowledgmentEvidenceID string `json:"acknowledgment_evidence_id,omitempty"`
}

func (s *Server) handleMarkSubmitted(w http.ResponseWriter, r *http.Request) {
	var body MarkSubmittedBody
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	sub, err := s.engine.MarkSubmitted(r.Context(), r.PathValue("id"), body.Reference, body.AcknowledgmentEvidenceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

// DispatchBody selects the national CSIRT. An empty country skips that leg.
type DispatchBody struct {
	CountryCode string `json:"country_code,omitempty"`
}

// handleDispatch answers 200 with both leg outcomes. A failed leg is data,
// not a request error; the client retries the same call.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchBody
	if r.ContentLength != 0 && !api.DecodeJSON(w, r, &body) {
		return
	}
	res, err := s.engine.Dispatch(r.Context(), r.PathValue("id"), body.CountryCode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
