package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coldpoint/permafrost/pkg/auth"
	"github.com/coldpoint/permafrost/pkg/storage"
	"github.com/coldpoint/permafrost/pkg/types"
)

func (s *Server) handleListTransferRequests(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListTransferRequests()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []*types.TransferRequest{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": docs})
}

func (s *Server) handleCreateTransferRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
		Dest   string `json:"dest"`
		Path   string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Source == "" || body.Dest == "" || body.Path == "" {
		s.writeError(w, badRequest("source, dest and path are required"))
		return
	}

	now := types.Now()
	tr := &types.TransferRequest{
		Type:                  types.TypeTransferRequest,
		UUID:                  uuid.NewString(),
		Status:                types.StatusUnclaimed,
		Source:                body.Source,
		Dest:                  body.Dest,
		Path:                  body.Path,
		CreateTimestamp:       now,
		UpdateTimestamp:       now,
		WorkPriorityTimestamp: now,
		Claimed:               false,
	}
	if err := s.store.CreateTransferRequest(tr); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("request_uuid", tr.UUID).Str("source", tr.Source).
		Str("dest", tr.Dest).Str("path", tr.Path).Msg("transfer request created")
	s.writeJSON(w, http.StatusCreated, map[string]any{"TransferRequest": tr.UUID})
}

func (s *Server) handleGetTransferRequest(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTransferRequest(chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handlePatchTransferRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	var patch map[string]json.RawMessage
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	if raw, ok := patch["uuid"]; ok {
		var bodyUUID string
		if err := json.Unmarshal(raw, &bodyUUID); err != nil || bodyUUID != id {
			s.writeError(w, badRequest("body uuid does not match the route"))
			return
		}
	}
	admin := claimsFrom(r.Context()).HasRole(auth.RoleAdmin)
	if _, err := s.store.PatchTransferRequest(id, patch, admin); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleDeleteTransferRequest(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTransferRequest(chi.URLParam(r, "uuid"))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePopTransferRequest(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	dest := r.URL.Query().Get("dest")
	if source == "" && dest == "" {
		s.writeError(w, badRequest("at least one of source or dest is required"))
		return
	}
	var body struct {
		Claimant string `json:"claimant"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Claimant == "" {
		s.writeError(w, badRequest("claimant is required"))
		return
	}

	tr, err := s.store.PopTransferRequest(source, dest, body.Claimant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tr == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"transfer_request": nil})
		return
	}
	s.log.Info().Str("request_uuid", tr.UUID).Str("claimant", body.Claimant).
		Msg("transfer request claimed")
	s.writeJSON(w, http.StatusOK, map[string]any{"transfer_request": tr})
}
