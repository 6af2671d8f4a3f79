package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mtzanidakis/bullpen/internal/toolset"
)

func (s *Server) getAgentTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.store.GetAgent(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}

	ts, err := toolset.Parse(string(a.Tools))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"toolset":   ts,
		"effective": ts.EffectiveTools(a.Role),
		"defaults":  toolset.RoleDefaults(a.Role),
	})
}

func (s *Server) updateAgentTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.store.GetAgent(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}

	var ts toolset.Toolset
	if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := ts.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := json.Marshal(ts)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SetAgentToolset(id, string(data)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Stop a running container so the next dispatch starts with the new
	// policy.
	if s.runtime != nil {
		_ = s.runtime.StopAgent(context.Background(), id)
	}

	jsonResponse(w, map[string]string{"status": "saved"})
}
