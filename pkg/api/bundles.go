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

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.BundleFilter{
		Location: q.Get("location"),
		Request:  q.Get("request"),
		Status:   types.Status(q.Get("status")),
	}
	if v := q.Get("verified"); v != "" {
		verified := v == "true" || v == "1"
		filter.Verified = &verified
	}

	bundles, err := s.store.ListBundles(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	uuids := make([]string, 0, len(bundles))
	for _, b := range bundles {
		uuids = append(uuids, b.UUID)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": uuids})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBundle(chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePatchBundle(w http.ResponseWriter, r *http.Request) {
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
	updated, err := s.store.PatchBundle(id, patch, admin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteBundle(chi.URLParam(r, "uuid"))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePopBundle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("source")
	dest := q.Get("dest")
	status := types.Status(q.Get("status"))
	if status == "" {
		s.writeError(w, badRequest("status is required"))
		return
	}
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

	b, err := s.store.PopBundle(status, source, dest, body.Claimant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if b == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"bundle": nil})
		return
	}
	s.log.Info().Str("bundle_uuid", b.UUID).Str("status", string(status)).
		Str("claimant", body.Claimant).Msg("bundle claimed")
	s.writeJSON(w, http.StatusOK, map[string]any{"bundle": b})
}

func (s *Server) handleBulkCreateBundles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bundles []json.RawMessage `json:"bundles"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Bundles) == 0 {
		s.writeError(w, badRequest("bundles field is empty"))
		return
	}

	bundles := make([]*types.Bundle, 0, len(body.Bundles))
	now := types.Now()
	for _, raw := range body.Bundles {
		// The v1 wire shape embedded constituent files in the bundle
		// document; the side table replaced it. Accept and drop.
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			s.writeError(w, badRequest("bundle spec is not an object"))
			return
		}
		if _, ok := probe["files"]; ok {
			s.log.Debug().Msg("bundle spec carried a files field; dropped in favor of the Metadata table")
		}

		var b types.Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			s.writeError(w, badRequest("bundle spec is malformed: "+err.Error()))
			return
		}
		b.Type = types.TypeBundle
		b.UUID = uuid.NewString()
		b.CreateTimestamp = now
		b.UpdateTimestamp = now
		b.WorkPriorityTimestamp = now
		b.Claimed = false
		b.Claimant = ""
		b.ClaimTimestamp = ""
		bundles = append(bundles, &b)
	}

	if err := s.store.CreateBundles(bundles); err != nil {
		s.writeError(w, err)
		return
	}
	uuids := make([]string, 0, len(bundles))
	for _, b := range bundles {
		uuids = append(uuids, b.UUID)
		s.log.Info().Str("bundle_uuid", b.UUID).Str("request_uuid", b.Request).
			Str("status", string(b.Status)).Msg("bundle created")
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"bundles": uuids, "count": len(uuids)})
}

func (s *Server) handleBulkUpdateBundles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bundles []string                   `json:"bundles"`
		Update  map[string]json.RawMessage `json:"update"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Bundles) == 0 {
		s.writeError(w, badRequest("bundles field is empty"))
		return
	}
	if body.Update == nil {
		s.writeError(w, badRequest("update field is required"))
		return
	}

	// All-or-nothing on existence, so a typo in an operator script
	// cannot half-apply.
	for _, id := range body.Bundles {
		if _, err := s.store.GetBundle(id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	for _, id := range body.Bundles {
		if _, err := s.store.PatchBundle(id, body.Update, true); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bundles": body.Bundles, "count": len(body.Bundles)})
}

func (s *Server) handleBulkDeleteBundles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bundles []string `json:"bundles"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Bundles) == 0 {
		s.writeError(w, badRequest("bundles field is empty"))
		return
	}

	deleted := make([]string, 0, len(body.Bundles))
	for _, id := range body.Bundles {
		if _, err := s.store.GetBundle(id); errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.store.DeleteBundle(id); err != nil {
			s.writeError(w, err)
			return
		}
		deleted = append(deleted, id)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bundles": deleted, "count": len(deleted)})
}
