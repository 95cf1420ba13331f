package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coldpoint/permafrost/pkg/storage"
	"github.com/coldpoint/permafrost/pkg/types"

	"github.com/google/uuid"
)

const defaultMetadataLimit = 1000

func (s *Server) handleListMetadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bundleUUID := q.Get("bundle_uuid")
	if bundleUUID == "" {
		s.writeError(w, badRequest("bundle_uuid is required"))
		return
	}
	limit := defaultMetadataLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	skip := 0
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, badRequest("skip must be a non-negative integer"))
			return
		}
		skip = n
	}

	records, err := s.store.ListMetadata(bundleUUID, limit, skip)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*types.MetadataRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": records})
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetMetadata(chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMetadataOne(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteMetadata([]string{chi.URLParam(r, "uuid")})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMetadataByBundle(w http.ResponseWriter, r *http.Request) {
	bundleUUID := r.URL.Query().Get("bundle_uuid")
	if bundleUUID == "" {
		s.writeError(w, badRequest("bundle_uuid is required"))
		return
	}
	if err := s.store.DeleteMetadataByBundle(bundleUUID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkCreateMetadata(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BundleUUID string   `json:"bundle_uuid"`
		Files      []string `json:"files"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.BundleUUID == "" {
		s.writeError(w, badRequest("bundle_uuid must not be empty"))
		return
	}
	if len(body.Files) == 0 {
		s.writeError(w, badRequest("files must not be empty"))
		return
	}

	records := make([]*types.MetadataRecord, 0, len(body.Files))
	for _, fcUUID := range body.Files {
		records = append(records, &types.MetadataRecord{
			UUID:            uuid.NewString(),
			BundleUUID:      body.BundleUUID,
			FileCatalogUUID: fcUUID,
		})
	}
	if err := s.store.CreateMetadata(records); err != nil {
		s.writeError(w, err)
		return
	}

	uuids := make([]string, 0, len(records))
	for _, rec := range records {
		uuids = append(uuids, rec.UUID)
	}
	s.log.Info().Str("bundle_uuid", body.BundleUUID).Int("count", len(uuids)).
		Msg("metadata records created")
	s.writeJSON(w, http.StatusCreated, map[string]any{"metadata": uuids, "count": len(uuids)})
}

func (s *Server) handleBulkDeleteMetadata(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metadata []string `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Metadata) == 0 {
		s.writeError(w, badRequest("metadata field is empty"))
		return
	}
	if err := s.store.DeleteMetadata(body.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"metadata": body.Metadata, "count": len(body.Metadata)})
}
