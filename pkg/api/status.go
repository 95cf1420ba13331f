package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coldpoint/permafrost/pkg/storage"
	"github.com/coldpoint/permafrost/pkg/types"
)

// heartbeatFresh reports whether a heartbeat payload carries a
// timestamp younger than the staleness window. Payloads without a
// parseable timestamp count as stale.
func (s *Server) heartbeatFresh(payload map[string]any, now time.Time) bool {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return false
	}
	ts, err := time.Parse(types.TimestampFormat, raw)
	if err != nil {
		return false
	}
	return now.Sub(ts) <= s.staleAfter
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	componentType := chi.URLParam(r, "componentType")
	var body map[string]map[string]any
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body) == 0 {
		s.writeError(w, badRequest("status body is empty"))
		return
	}
	for name, payload := range body {
		if err := s.store.UpdateStatus(componentType, name, payload); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.AllStatus()
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	health := "OK"
	result := map[string]any{}
	for componentType, byName := range all {
		names := make([]string, 0, len(byName))
		for name, payload := range byName {
			names = append(names, name)
			if !s.heartbeatFresh(payload, now) {
				health = "WARN"
			}
		}
		sort.Strings(names)
		result[componentType] = names
	}
	result["health"] = health
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetStatusComponent(w http.ResponseWriter, r *http.Request) {
	byName, err := s.store.GetStatusComponent(chi.URLParam(r, "componentType"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, byName)
}

func (s *Server) handleGetStatusCount(w http.ResponseWriter, r *http.Request) {
	componentType := chi.URLParam(r, "componentType")
	byName, err := s.store.GetStatusComponent(componentType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	count := 0
	for _, payload := range byName {
		if s.heartbeatFresh(payload, now) {
			count++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"component": componentType, "count": count})
}

// handleGetStatusNersc aggregates the latest heartbeat of each NERSC
// component type; the tape dashboards read quota figures out of these
// payloads.
func (s *Server) handleGetStatusNersc(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{}
	for _, componentType := range types.NerscComponents {
		byName, err := s.store.GetStatusComponent(componentType)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		var latest map[string]any
		var latestTS string
		for _, payload := range byName {
			ts, _ := payload["timestamp"].(string)
			if latest == nil || ts > latestTS {
				latest = payload
				latestTS = ts
			}
		}
		if latest != nil {
			result[componentType] = latest
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteStatusName(w http.ResponseWriter, r *http.Request) {
	componentType := chi.URLParam(r, "componentType")
	name := chi.URLParam(r, "name")
	err := s.store.DeleteStatus(componentType, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
