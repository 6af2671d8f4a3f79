package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/schedule"
	"github.com/mtzanidakis/bullpen/internal/store"
)

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		jsonResponse(w, []any{})
		return
	}

	out := make([]map[string]any, 0)
	for _, name := range s.pipelines.Names() {
		def, ok := s.pipelines.Get(name)
		if !ok {
			continue
		}
		steps := make([]map[string]string, 0, len(def.Steps))
		for _, st := range def.Steps {
			steps = append(steps, map[string]string{"name": st.Name, "role": st.Role})
		}
		out = append(out, map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"steps":       steps,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		jsonError(w, "pipelines not available", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if _, ok := s.pipelines.Get(name); !ok {
		jsonError(w, "pipeline not found", http.StatusNotFound)
		return
	}

	var body struct {
		Channel string `json:"channel"`
		Task    string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ch, err := s.resolveChannel(body.Channel)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ch == nil {
		jsonError(w, "channel not found", http.StatusBadRequest)
		return
	}

	runID, err := s.pipelines.Start(r.Context(), name, ch.ID, "operator", body.Task)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "started", "run_id": runID})
}

func (s *Server) listPipelineRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	runs, err := s.store.ListPipelineRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.PipelineRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetPipelineRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listScheduledPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListScheduledPosts()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		out = append(out, map[string]any{
			"id":               p.ID,
			"channel_id":       p.ChannelID,
			"name":             p.Name,
			"schedule":         p.Schedule,
			"schedule_display": schedule.Format(p.Schedule),
			"prompt":           p.Prompt,
			"kind":             p.Kind,
			"status":           p.Status,
			"next_run_at":      p.NextRunAt,
			"last_run_at":      p.LastRunAt,
			"last_status":      p.LastStatus,
			"last_error":       p.LastError,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createScheduledPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel  string `json:"channel"`
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
		Kind     string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Prompt == "" {
		jsonError(w, "name, schedule and prompt are required", http.StatusBadRequest)
		return
	}
	if !validPostKind(body.Kind) {
		jsonError(w, "kind must be chat, command or standup_request", http.StatusBadRequest)
		return
	}

	ch, err := s.resolveChannel(body.Channel)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ch == nil {
		jsonError(w, "channel not found", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	post := &store.ScheduledPost{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Name:      body.Name,
		Schedule:  normalized,
		Prompt:    body.Prompt,
		Kind:      body.Kind,
		NextRunAt: schedule.NextRun(normalized),
	}
	if err := s.store.SaveScheduledPost(post); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, post)
}

func (s *Server) updateScheduledPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetScheduledPost(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if post == nil {
		jsonError(w, "scheduled post not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Prompt   *string `json:"prompt"`
		Kind     *string `json:"kind"`
		Status   *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		post.Name = *body.Name
	}
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		post.Schedule = normalized
	}
	if body.Prompt != nil {
		post.Prompt = *body.Prompt
	}
	if body.Kind != nil {
		if !validPostKind(*body.Kind) {
			jsonError(w, "kind must be chat, command or standup_request", http.StatusBadRequest)
			return
		}
		post.Kind = *body.Kind
	}
	if body.Status != nil {
		switch *body.Status {
		case "active", "paused":
			post.Status = *body.Status
		default:
			jsonError(w, "status must be active or paused", http.StatusBadRequest)
			return
		}
	}

	// Paused posts carry no next firing; reactivating recomputes it.
	if post.Status == "active" {
		post.NextRunAt = schedule.NextRun(post.Schedule)
	} else {
		post.NextRunAt = nil
	}

	if err := s.store.SaveScheduledPost(post); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, post)
}

func (s *Server) deleteScheduledPost(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScheduledPost(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// resolveChannel accepts either a channel ID or a channel name.
func (s *Server) resolveChannel(ref string) (*store.Channel, error) {
	if ref == "" {
		return nil, nil
	}
	ch, err := s.store.GetChannel(ref)
	if err != nil || ch != nil {
		return ch, err
	}
	return s.store.GetChannelByName(ref)
}

func validPostKind(kind string) bool {
	switch kind {
	case "", store.KindChat, store.KindCommand, store.KindStandupRequest:
		return true
	}
	return false
}
