package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/compliance"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	events, err := s.engine.ListEvents(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*store.AuditRecord{}
	}
	api.WriteJSON(w, http.StatusOK, events)
}

// handleVerify reports a broken chain in the body with Valid=false.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.VerifyLedger(r.Context())
	if err != nil && !(res != nil && errors.Is(err, contracts.ErrIntegrityViolation)) {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.engine.Checkpoint(r.Context())
	if errors.Is(err, compliance.ErrCheckpointsDisabled) {
		api.WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, cp)
}

// CheckpointCheck is the result of POST /api/audit/checkpoint/verify.
type CheckpointCheck struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleCheckCheckpoint(w http.ResponseWriter, r *http.Request) {
	var cp store.Checkpoint
	if !api.DecodeJSON(w, r, &cp) {
		return
	}
	err := s.engine.CheckCheckpoint(r.Context(), &cp)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusOK, CheckpointCheck{Valid: true})
	case errors.Is(err, store.ErrBadCheckpoint), errors.Is(err, store.ErrCheckpointDiverged):
		api.WriteJSON(w, http.StatusOK, CheckpointCheck{Message: err.Error()})
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleOverdueReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.OverdueReport(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rep)
}
