package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/gorilla/mux"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.parent != nil {
		body["awaiting_parent"] = len(s.parent.Waiting())
	}
	WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleFamily(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["parentID"]

	children, err := s.engine.Family(r.Context(), parentID)
	if err != nil {
		s.writeEngineError(w, "read family", err)
		return
	}

	views := make([]ChildView, 0, len(children))
	for _, child := range children {
		view := ChildView{ChildQuota: child}
		if cd, ok := s.engine.Registry.Live(child.ChildID); ok {
			view.RemainingSeconds = cd.Snapshot()
			view.Live = true
		} else {
			view.RemainingSeconds = quota.NewCountdown(child.ChildID, child).Snapshot()
		}
		views = append(views, view)
	}

	WriteJSON(w, http.StatusOK, FamilyResponse{ParentID: parentID, Children: views})
}

func (s *Server) handleOpenView(w http.ResponseWriter, r *http.Request) {
	childID := mux.Vars(r)["childID"]

	cd, err := s.engine.Registry.Open(r.Context(), childID)
	if err != nil {
		s.writeEngineError(w, "open countdown", err)
		return
	}

	remaining := cd.Snapshot()
	WriteJSON(w, http.StatusOK, CountdownResponse{
		ChildID:          childID,
		RemainingSeconds: remaining,
		Live:             true,
		Exhausted:        remaining == 0,
	})
}

func (s *Server) handleCloseView(w http.ResponseWriter, r *http.Request) {
	childID := mux.Vars(r)["childID"]

	if !s.engine.Registry.Close(childID) {
		WriteError(w, http.StatusNotFound, "no open view for child "+childID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCountdown(w http.ResponseWriter, r *http.Request) {
	childID := mux.Vars(r)["childID"]

	remaining, live, err := s.engine.Registry.Remaining(r.Context(), childID)
	if err != nil {
		s.writeEngineError(w, "read countdown", err)
		return
	}

	WriteJSON(w, http.StatusOK, CountdownResponse{
		ChildID:          childID,
		RemainingSeconds: remaining,
		Live:             live,
		Exhausted:        remaining == 0,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Workflow.Pending(r.Context(), mux.Vars(r)["childID"])
	if err != nil {
		s.writeEngineError(w, "list pending", err)
		return
	}
	if pending == nil {
		pending = []storage.TimeRequest{}
	}
	WriteJSON(w, http.StatusOK, pending)
}

// handleSubmit records a request. With ?resolve=async the decision is made
// in the background and the response does not wait for it.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req quota.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.engine.Workflow.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "submit request", err)
		return
	}

	if r.URL.Query().Get("resolve") == "async" {
		s.resolveInBackground(created.ID)
		WriteJSON(w, http.StatusAccepted, created)
		return
	}

	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) resolveInBackground(requestID string) {
	result := s.engine.Workflow.ResolveAsync(context.Background(), requestID)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		res := <-result
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("request_id", requestID).Msg("Background resolve failed")
			return
		}
		s.logger.Info().
			Str("request_id", requestID).
			Str("status", string(res.Decision.Status)).
			Bool("fallback", res.Decision.Fallback).
			Msg("Background resolve finished")
	}()
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	decision, err := s.engine.Workflow.Resolve(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "resolve request", err)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	if s.parent == nil {
		WriteError(w, http.StatusNotImplemented, "parent verdicts are not enabled")
		return
	}

	var verdict oracle.Verdict
	if err := json.NewDecoder(r.Body).Decode(&verdict); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid verdict body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.parent.Respond(id, verdict); err != nil {
		s.writeEngineError(w, "deliver verdict", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWaiting(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if s.parent != nil {
		ids = append(ids, s.parent.Waiting()...)
	}
	WriteJSON(w, http.StatusOK, WaitingResponse{RequestIDs: ids})
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("Request failed")
	}

	msg := err.Error()
	if errors.Is(err, quota.ErrPersistence) {
		msg = "storage is unavailable, try again"
	}
	WriteError(w, code, msg)
}
