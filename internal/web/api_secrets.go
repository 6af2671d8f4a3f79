package web

import (
	"encoding/json"
	"net/http"
	"regexp"
	"slices"
	"time"

	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// Secret names become container env vars, so they must be env-safe.
var secretNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		agentIDs, _ := s.store.GetSecretAgentIDs(sec.Name)
		if agentIDs == nil {
			agentIDs = []string{}
		}
		out = append(out, map[string]any{
			"name":        sec.Name,
			"description": sec.Description,
			"global":      sec.Global,
			"agent_ids":   agentIDs,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Value       string   `json:"value"`
		Global      bool     `json:"global"`
		AgentIDs    []string `json:"agent_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}
	if !secretNamePattern.MatchString(body.Name) {
		jsonError(w, "name must be a valid environment variable name", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.Encrypt([]byte(body.Value))
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	sec := &store.Secret{
		Name:        body.Name,
		Description: body.Description,
		Value:       ciphertext,
		Nonce:       nonce,
		Global:      body.Global,
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.syncSecretAgents(sec.Name, body.AgentIDs); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.publishSecretEvent("secret_created", sec.Name)
	jsonResponse(w, map[string]any{
		"name":        sec.Name,
		"description": sec.Description,
		"global":      sec.Global,
	})
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	sec, err := s.store.GetSecret(r.PathValue("name"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sec == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}
	agentIDs, _ := s.store.GetSecretAgentIDs(sec.Name)
	if agentIDs == nil {
		agentIDs = []string{}
	}
	jsonResponse(w, map[string]any{
		"name":        sec.Name,
		"description": sec.Description,
		"global":      sec.Global,
		"agent_ids":   agentIDs,
		"created_at":  sec.CreatedAt,
		"updated_at":  sec.UpdatedAt,
	})
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	existing, err := s.store.GetSecret(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Description *string  `json:"description"`
		Value       *string  `json:"value"`
		Global      *bool    `json:"global"`
		AgentIDs    []string `json:"agent_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Description != nil {
		existing.Description = *body.Description
	}
	if body.Global != nil {
		existing.Global = *body.Global
	}
	if body.Value != nil {
		ciphertext, nonce, err := s.vault.Encrypt([]byte(*body.Value))
		if err != nil {
			jsonError(w, "encryption failed", http.StatusInternalServerError)
			return
		}
		existing.Value = ciphertext
		existing.Nonce = nonce
	}

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if body.AgentIDs != nil {
		if err := s.syncSecretAgents(name, body.AgentIDs); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	s.publishSecretEvent("secret_updated", existing.Name)
	jsonResponse(w, map[string]any{
		"name":        existing.Name,
		"description": existing.Description,
		"global":      existing.Global,
	})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.DeleteSecret(name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_deleted", name)
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getAgentSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.GetAgentSecrets(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(secrets))
	for _, sec := range secrets {
		names = append(names, sec.Name)
	}
	jsonResponse(w, map[string]any{"secrets": names})
}

func (s *Server) setAgentSecrets(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var body struct {
		Secrets []string `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Global secrets reach every agent through the store query, so only
	// direct assignments get reconciled here.
	current, err := s.store.GetAgentSecrets(agentID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, sec := range current {
		if sec.Global {
			continue
		}
		if !slices.Contains(body.Secrets, sec.Name) {
			if err := s.store.RemoveAgentSecret(agentID, sec.Name); err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}
	for _, name := range body.Secrets {
		if err := s.store.AddAgentSecret(agentID, name); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	jsonResponse(w, map[string]string{"status": "updated"})
}

// syncSecretAgents reconciles the assignment rows for one secret against
// the desired agent list.
func (s *Server) syncSecretAgents(name string, agentIDs []string) error {
	current, err := s.store.GetSecretAgentIDs(name)
	if err != nil {
		return err
	}
	for _, id := range current {
		if !slices.Contains(agentIDs, id) {
			if err := s.store.RemoveAgentSecret(id, name); err != nil {
				return err
			}
		}
	}
	for _, id := range agentIDs {
		if err := s.store.AddAgentSecret(id, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) publishSecretEvent(kind, name string) {
	if s.client == nil {
		return
	}
	event := map[string]any{
		"type":      kind,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      map[string]string{"name": name},
	}
	_ = s.client.PublishJSON(bus.TopicEventsVault, event)
}
