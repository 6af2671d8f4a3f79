package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Channels
	mux.HandleFunc("GET /api/channels", s.listChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.getChannel)
	mux.HandleFunc("GET /api/channels/{id}/messages", s.getChannelMessages)
	mux.HandleFunc("POST /api/channels/{id}/messages", s.postChannelMessage)
	mux.HandleFunc("PUT /api/channels/{id}/members/{agent}/pause", s.setMemberPause)

	// Agents and their economy
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/agents/{id}/tools", s.getAgentTools)
	mux.HandleFunc("PUT /api/agents/{id}/tools", s.updateAgentTools)
	mux.HandleFunc("GET /api/agents/{id}/secrets", s.getAgentSecrets)
	mux.HandleFunc("PUT /api/agents/{id}/secrets", s.setAgentSecrets)
	mux.HandleFunc("POST /api/agents/{id}/reinstate", s.reinstateAgent)
	mux.HandleFunc("POST /api/agents/{id}/penalty", s.penalizeAgent)
	mux.HandleFunc("POST /api/agents/{id}/refill", s.refillAgentBudget)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.stopAgentContainer)

	// Work items
	mux.HandleFunc("GET /api/work-items", s.listWorkItems)
	mux.HandleFunc("POST /api/work-items", s.createWorkItem)
	mux.HandleFunc("POST /api/work-items/{id}/complete", s.completeWorkItem)

	// Pipelines and scheduled posts
	mux.HandleFunc("GET /api/pipelines", s.listPipelines)
	mux.HandleFunc("POST /api/pipelines/{name}/start", s.startPipeline)
	mux.HandleFunc("GET /api/pipelines/runs", s.listPipelineRuns)
	mux.HandleFunc("GET /api/pipelines/runs/{id}", s.getPipelineRun)
	mux.HandleFunc("GET /api/scheduled-posts", s.listScheduledPosts)
	mux.HandleFunc("POST /api/scheduled-posts", s.createScheduledPost)
	mux.HandleFunc("PUT /api/scheduled-posts/{id}", s.updateScheduledPost)
	mux.HandleFunc("DELETE /api/scheduled-posts/{id}", s.deleteScheduledPost)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("GET /api/secrets/{name}", s.getSecret)
	mux.HandleFunc("PUT /api/secrets/{name}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := s.store.ListChannels()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats, _ := s.store.GetChannelMessageStats()

	out := make([]map[string]any, 0, len(chans))
	for _, c := range chans {
		entry := map[string]any{
			"id":          c.ID,
			"name":        c.Name,
			"description": c.Description,
			"kind":        c.Kind,
			"archived":    c.Archived,
		}
		if c.Coordinator != "" {
			entry["coordinator"] = c.Coordinator
		}
		if st, ok := stats[c.ID]; ok {
			entry["message_count"] = st.MessageCount
			entry["last_active"] = formatMessageTime(st.LastActive)
		} else {
			entry["message_count"] = 0
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ch == nil {
		jsonError(w, "channel not found", http.StatusNotFound)
		return
	}

	members, err := s.store.GetMembers(ch.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if members == nil {
		members = []store.Member{}
	}
	jsonResponse(w, map[string]any{
		"channel": ch,
		"members": members,
	})
}

func (s *Server) getChannelMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	messages, err := s.store.GetMessages(id, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"id":          m.ID,
			"sender_id":   m.SenderID,
			"sender_kind": m.SenderKind,
			"kind":        m.Kind,
			"text":        m.Content,
			"time":        formatMessageTime(m.CreatedAt),
		})
	}
	jsonResponse(w, out)
}

// postChannelMessage feeds a human message into the orchestrator, exactly
// like typing in the channel. Slash commands work here too.
func (s *Server) postChannelMessage(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ch == nil {
		jsonError(w, "channel not found", http.StatusNotFound)
		return
	}

	var body struct {
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	if body.Sender == "" {
		body.Sender = "operator"
	}

	msg := &store.Message{
		ChannelID:  ch.ID,
		SenderID:   body.Sender,
		SenderKind: store.SenderHuman,
		Content:    body.Content,
	}
	if err := s.orch.HandleInbound(r.Context(), msg); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"status": "ok", "id": msg.ID})
}

func (s *Server) setMemberPause(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	agentID := r.PathValue("agent")

	member, err := s.store.GetMember(channelID, agentID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if member == nil {
		jsonError(w, "not a member of this channel", http.StatusNotFound)
		return
	}

	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.SetMemberPaused(channelID, agentID, body.Paused); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"status": "ok", "paused": body.Paused})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		running := s.containers != nil && s.containers.GetRunning(a.ID) != nil
		out = append(out, map[string]any{
			"id":                a.ID,
			"name":              a.Name,
			"role":              a.Role,
			"status":            a.Status,
			"model":             s.roster.ResolveModel(a.ID),
			"salary_balance":    a.SalaryBalance,
			"performance_score": a.PerformanceScore,
			"token_budget":      a.TokenBudget,
			"low_streak":        a.LowStreak,
			"container_running": running,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
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

	rewards, _ := s.store.ListRewards(id, 20)
	events, _ := s.store.ListEconomyEvents(id, 20)
	updates, _ := s.store.GetAgentUpdates(id, 10)
	if rewards == nil {
		rewards = []store.Reward{}
	}
	if events == nil {
		events = []store.EconomyEvent{}
	}
	if updates == nil {
		updates = []store.Update{}
	}

	jsonResponse(w, map[string]any{
		"agent":   a,
		"rewards": rewards,
		"events":  events,
		"updates": updates,
	})
}

func (s *Server) reinstateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.economy.Reinstate(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "reinstated"})
}

func (s *Server) penalizeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual penalty"
	}
	if err := s.economy.Penalty(id, body.Amount, body.Reason); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) refillAgentBudget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.economy.RefillBudget(id, body.Amount); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) stopAgentContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runtime == nil {
		jsonError(w, "runtime not available", http.StatusServiceUnavailable)
		return
	}
	if err := s.runtime.StopAgent(r.Context(), id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) listWorkItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListWorkItems(r.URL.Query().Get("status"), r.URL.Query().Get("assignee"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.WorkItem{}
	}
	jsonResponse(w, items)
}

func (s *Server) createWorkItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		ChannelID   string `json:"channel_id"`
		AssignedTo  string `json:"assigned_to"`
		Priority    int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Title == "" {
		jsonError(w, "title is required", http.StatusBadRequest)
		return
	}
	if body.AssignedTo != "" {
		a, err := s.roster.Resolve(body.AssignedTo)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if a == nil {
			jsonError(w, fmt.Sprintf("unknown agent %q", body.AssignedTo), http.StatusBadRequest)
			return
		}
		body.AssignedTo = a.ID
	}

	item := &store.WorkItem{
		ID:          uuid.NewString(),
		ChannelID:   body.ChannelID,
		Title:       body.Title,
		Description: body.Description,
		AssignedTo:  body.AssignedTo,
		CreatedBy:   "operator",
		Status:      store.ItemOpen,
		Priority:    body.Priority,
	}
	if err := s.store.SaveWorkItem(item); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, item)
}

// completeWorkItem closes an item from the console. A score feeds the
// incentive engine against the assignee; without one the item just closes.
func (s *Server) completeWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetWorkItem(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if item == nil {
		jsonError(w, "work item not found", http.StatusNotFound)
		return
	}
	if item.Status == store.ItemDone {
		jsonError(w, "work item is already done", http.StatusConflict)
		return
	}

	var body struct {
		Score *float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Score != nil {
		if item.AssignedTo == "" {
			jsonError(w, "cannot score an unassigned item", http.StatusBadRequest)
			return
		}
		if err := s.economy.RecordOutcome(item.AssignedTo, *body.Score, "work item: "+item.Title); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		item.QualityScore = body.Score
	}

	now := time.Now()
	item.Status = store.ItemDone
	item.CompletedAt = &now
	if err := s.store.SaveWorkItem(item); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, item)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents, _ := s.store.ListAgents()
	chans, _ := s.store.ListChannels()
	running, _ := s.store.ListRunningPipelineRuns()

	active := 0
	for _, a := range agents {
		if a.Status == store.AgentActive {
			active++
		}
	}

	containersRunning := 0
	if s.containers != nil {
		containersRunning = s.containers.ActiveCount()
	}

	jsonResponse(w, map[string]any{
		"status":             "ok",
		"agents":             len(agents),
		"active_agents":      active,
		"channels":           len(chans),
		"containers_running": containersRunning,
		"running_pipelines":  len(running),
		"uptime":             formatUptime(time.Since(s.startedAt)),
		"version":            s.version,
		"timestamp":          time.Now().UTC(),
	})
}

func formatMessageTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
