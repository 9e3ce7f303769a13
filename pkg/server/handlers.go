package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oceanbase/powerctx-go/pkg/agent"
	"github.com/oceanbase/powerctx-go/pkg/core"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// actionRequest is the body of confirm and reject.
type actionRequest struct {
	UserID   string `json:"user_id"`
	Snapshot []byte `json:"snapshot,omitempty"`
}

type ingestResponse struct {
	ID string `json:"id"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// turn handles POST /v1/turns
func (s *Server) turn(w http.ResponseWriter, r *http.Request) {
	var req agent.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.svc.Turn(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// confirm handles POST /v1/sessions/{sessionID}/actions/{actionID}/confirm
func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.svc.ConfirmAction)
}

// reject handles POST /v1/sessions/{sessionID}/actions/{actionID}/reject
func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.svc.RejectAction)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request,
	op func(context.Context, agent.ConfirmRequest) (*agent.ConfirmResponse, error)) {
	var body actionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := op(r.Context(), agent.ConfirmRequest{
		UserID:    body.UserID,
		SessionID: chi.URLParam(r, "sessionID"),
		ActionID:  chi.URLParam(r, "actionID"),
		Snapshot:  body.Snapshot,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessions handles GET /v1/users/{userID}/sessions
func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.svc.Sessions(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// search handles POST /v1/context/search
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.svc.Retrieve(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ingest handles PUT /v1/items
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var rec core.IngestRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	item := rec.KnowledgeItem
	if err := s.svc.Ingest(r.Context(), &item, rec.Entities...); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{ID: item.ID})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, agent.ErrInvalidTurn),
		errors.Is(err, retrieval.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrActionNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrSessionOwner):
		status = http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, core.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
