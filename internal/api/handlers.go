package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"wgsteward/internal/audit"
	"wgsteward/internal/commit"
	"wgsteward/internal/engine"
	"wgsteward/internal/model"
	"wgsteward/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "status unavailable", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Preview(r.Context())
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			WriteError(w, http.StatusUnprocessableEntity, "desired state invalid", err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "preview failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

type commitRequest struct {
	Safety   bool   `json:"safety"`
	Deadline string `json:"deadline,omitempty"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	opts := engine.CommitOptions{Safety: req.Safety}
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid deadline", err.Error())
			return
		}
		opts.Deadline = d
	}

	res, err := s.engine.Commit(r.Context(), opts)
	if err != nil {
		switch {
		case errors.Is(err, commit.ErrLockHeld):
			WriteError(w, http.StatusConflict, "another commit is in progress")
		case isValidation(err):
			WriteError(w, http.StatusUnprocessableEntity, "desired state invalid", err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, "commit failed", err.Error())
		}
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Confirm(r.PathValue("id")); err != nil {
		WriteError(w, http.StatusNotFound, "confirm failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"result": "confirmed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.PathValue("id")); err != nil {
		WriteError(w, http.StatusNotFound, "cancel failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"result": "cancelled"})
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load state", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, snap.Networks)
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var n model.Network
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	created, err := s.engine.CreateNetwork(r.Context(), n)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteNetwork(r.Context(), id); err != nil {
		writeMutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load state", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, snap.Clients)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var c model.Client
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	created, err := s.engine.CreateClient(r.Context(), c)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c model.Client
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	c.ID = id
	updated, err := s.engine.UpdateClient(r.Context(), c)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteClient(r.Context(), id); err != nil {
		writeMutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	conf, err := s.engine.RenderClientConfig(r.Context(), id)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(conf))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load state", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, snap.Rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AccessRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	created, err := s.engine.CreateRule(r.Context(), rule)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteRule(r.Context(), id); err != nil {
		writeMutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetServer(w http.ResponseWriter, r *http.Request) {
	var srv model.ServerIdentity
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.engine.SetServer(r.Context(), srv); err != nil {
		writeMutationError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, srv)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.engine.AuditLog(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "audit log unavailable", err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	WriteJSON(w, http.StatusOK, events)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func isValidation(err error) bool {
	var verr *model.ValidationError
	return errors.As(err, &verr)
}

func writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case isValidation(err):
		WriteError(w, http.StatusUnprocessableEntity, "validation failed", err.Error())
	default:
		WriteError(w, http.StatusBadRequest, "request failed", err.Error())
	}
}
