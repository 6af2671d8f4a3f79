package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/store"
	"github.com/nats-io/nats.go"
)

// ipcCommand is the envelope bptool sends over host IPC. The agent's
// identity comes from the subject, never the payload.
type ipcCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (o *Orchestrator) handleIPC(msg *nats.Msg) {
	agentID := strings.TrimPrefix(msg.Subject, "host.ipc.")

	var cmd ipcCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid ipc command", "agent", agentID, "error", err)
		o.respondIPC(msg, map[string]any{"error": "invalid command"})
		return
	}

	slog.Info("ipc command received", "type", cmd.Type, "agent", agentID)

	switch cmd.Type {
	case "send_message":
		o.ipcSendMessage(msg, agentID, cmd.Payload)
	case "log_update":
		o.ipcLogUpdate(msg, agentID, cmd.Payload)
	case "add_work_item":
		o.ipcAddWorkItem(msg, agentID, cmd.Payload)
	case "list_work_items":
		o.ipcListWorkItems(msg, agentID, cmd.Payload)
	case "complete_work_item":
		o.ipcCompleteWorkItem(msg, agentID, cmd.Payload)
	case "learn":
		o.ipcLearn(msg, agentID, cmd.Payload)
	case "start_pipeline":
		o.ipcStartPipeline(msg, agentID, cmd.Payload)
	case "status":
		o.ipcStatus(msg, agentID)
	default:
		slog.Warn("unknown ipc command", "type", cmd.Type, "agent", agentID)
		o.respondIPC(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (o *Orchestrator) respondIPC(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal ipc response failed", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("respond to ipc failed", "error", err)
	}
}

// resolveChannel accepts a channel id or name.
func (o *Orchestrator) resolveChannel(ref string) (*store.Channel, error) {
	ch, err := o.store.GetChannel(ref)
	if err != nil || ch != nil {
		return ch, err
	}
	return o.store.GetChannelByName(ref)
}

func (o *Orchestrator) agentRole(agentID string) (string, error) {
	a, err := o.roster.Get(agentID)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("unknown agent %q", agentID)
	}
	return a.Role, nil
}

func (o *Orchestrator) ipcSendMessage(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Channel string `json:"channel"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Channel == "" || req.Content == "" {
		o.respondIPC(msg, map[string]any{"error": "channel and content are required"})
		return
	}

	ch, err := o.resolveChannel(req.Channel)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if ch == nil {
		o.respondIPC(msg, map[string]any{"error": "unknown channel: " + req.Channel})
		return
	}

	member, err := o.store.GetMember(ch.ID, agentID)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if member == nil {
		o.respondIPC(msg, map[string]any{"error": "you are not a member of " + ch.Name})
		return
	}

	inbound := &store.Message{
		ChannelID:  ch.ID,
		SenderID:   agentID,
		SenderKind: store.SenderAgent,
		Kind:       store.KindChat,
		Content:    req.Content,
	}
	if err := o.HandleInbound(o.dispatchCtx(), inbound); err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("send failed: %v", err)})
		return
	}
	o.respondIPC(msg, map[string]any{"ok": true, "id": inbound.ID})
}

func (o *Orchestrator) ipcLogUpdate(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Summary string `json:"summary"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || strings.TrimSpace(req.Summary) == "" {
		o.respondIPC(msg, map[string]any{"error": "summary is required"})
		return
	}

	u := &store.Update{AgentID: agentID, Summary: strings.TrimSpace(req.Summary)}
	if req.Channel != "" {
		if ch, err := o.resolveChannel(req.Channel); err == nil && ch != nil {
			u.ChannelID = ch.ID
		}
	}

	if err := o.store.SaveUpdate(u); err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("update logged via ipc", "agent", agentID, "id", u.ID)
	o.respondIPC(msg, map[string]any{"ok": true, "id": u.ID})
}

func (o *Orchestrator) ipcAddWorkItem(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Assignee    string `json:"assignee"`
		Channel     string `json:"channel"`
		Priority    int    `json:"priority"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || strings.TrimSpace(req.Title) == "" {
		o.respondIPC(msg, map[string]any{"error": "title is required"})
		return
	}

	item := &store.WorkItem{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(req.Title),
		CreatedBy: agentID,
		Status:    store.ItemOpen,
		Priority:  req.Priority,
	}
	item.Description = req.Description

	if req.Assignee != "" {
		assignee, err := o.roster.Resolve(req.Assignee)
		if err != nil {
			o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
			return
		}
		if assignee == nil {
			o.respondIPC(msg, map[string]any{"error": "unknown assignee: " + req.Assignee})
			return
		}
		if assignee.ID != agentID {
			role, err := o.agentRole(agentID)
			if err != nil {
				o.respondIPC(msg, map[string]any{"error": err.Error()})
				return
			}
			if !roster.Can(role, roster.CapDelegate) {
				o.respondIPC(msg, map[string]any{"error": "your role cannot assign work to others"})
				return
			}
		}
		item.AssignedTo = assignee.ID
	}

	if req.Channel != "" {
		if ch, err := o.resolveChannel(req.Channel); err == nil && ch != nil {
			item.ChannelID = ch.ID
		}
	}

	if err := o.store.SaveWorkItem(item); err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("work item created via ipc", "id", item.ID, "title", item.Title, "agent", agentID)
	o.respondIPC(msg, map[string]any{"ok": true, "id": item.ID})
}

func (o *Orchestrator) ipcListWorkItems(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Status string `json:"status"`
		Mine   bool   `json:"mine"`
	}
	_ = json.Unmarshal(payload, &req)

	assignee := ""
	if req.Mine {
		assignee = agentID
	}

	items, err := o.store.ListWorkItems(req.Status, assignee)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}

	type itemEntry struct {
		ID         string   `json:"id"`
		Title      string   `json:"title"`
		AssignedTo string   `json:"assigned_to,omitempty"`
		Status     string   `json:"status"`
		Priority   int      `json:"priority"`
		Score      *float64 `json:"score,omitempty"`
	}
	out := make([]itemEntry, 0, len(items))
	for _, it := range items {
		out = append(out, itemEntry{
			ID:         it.ID,
			Title:      it.Title,
			AssignedTo: it.AssignedTo,
			Status:     it.Status,
			Priority:   it.Priority,
			Score:      it.QualityScore,
		})
	}
	o.respondIPC(msg, map[string]any{"ok": true, "items": out})
}

func (o *Orchestrator) ipcCompleteWorkItem(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		ID    string   `json:"id"`
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		o.respondIPC(msg, map[string]any{"error": "id is required"})
		return
	}

	item, err := o.store.GetWorkItem(req.ID)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if item == nil {
		o.respondIPC(msg, map[string]any{"error": "unknown work item: " + req.ID})
		return
	}
	if item.Status == store.ItemDone {
		o.respondIPC(msg, map[string]any{"error": "work item is already done"})
		return
	}

	if req.Score != nil {
		role, err := o.agentRole(agentID)
		if err != nil {
			o.respondIPC(msg, map[string]any{"error": err.Error()})
			return
		}
		if !roster.Can(role, roster.CapScoreWork) {
			o.respondIPC(msg, map[string]any{"error": "your role cannot score work"})
			return
		}
		if item.AssignedTo == "" {
			o.respondIPC(msg, map[string]any{"error": "work item has no assignee to score"})
			return
		}
		if item.AssignedTo == agentID {
			o.respondIPC(msg, map[string]any{"error": "you cannot score your own work"})
			return
		}

		detail := "work item: " + item.Title
		if err := o.economy.RecordOutcome(item.AssignedTo, *req.Score, detail); err != nil {
			if errors.Is(err, economy.ErrScoreOutOfRange) {
				o.respondIPC(msg, map[string]any{"error": "score must be between 0 and 1"})
				return
			}
			o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("record outcome failed: %v", err)})
			return
		}
		item.QualityScore = req.Score
	} else if item.AssignedTo != agentID {
		o.respondIPC(msg, map[string]any{"error": "only the assignee can close without a score"})
		return
	}

	now := time.Now()
	item.Status = store.ItemDone
	item.CompletedAt = &now
	if err := o.store.SaveWorkItem(item); err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("work item completed via ipc", "id", item.ID, "agent", agentID, "scored", req.Score != nil)
	o.respondIPC(msg, map[string]any{"ok": true})
}

func (o *Orchestrator) ipcLearn(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		o.respondIPC(msg, map[string]any{"error": "content is required"})
		return
	}

	if err := o.store.AppendAgentLearnings(agentID, strings.TrimSpace(req.Content)); err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("learning recorded via ipc", "agent", agentID)
	o.respondIPC(msg, map[string]any{"ok": true})
}

func (o *Orchestrator) ipcStartPipeline(msg *nats.Msg, agentID string, payload json.RawMessage) {
	var req struct {
		Name    string `json:"name"`
		Channel string `json:"channel"`
		Task    string `json:"task"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Name == "" || req.Channel == "" {
		o.respondIPC(msg, map[string]any{"error": "name and channel are required"})
		return
	}

	role, err := o.agentRole(agentID)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": err.Error()})
		return
	}
	if !roster.Can(role, roster.CapStartPipeline) {
		o.respondIPC(msg, map[string]any{"error": "only a coordinator can start pipelines"})
		return
	}
	if o.pipelines == nil {
		o.respondIPC(msg, map[string]any{"error": "pipelines are not configured"})
		return
	}

	ch, err := o.resolveChannel(req.Channel)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if ch == nil {
		o.respondIPC(msg, map[string]any{"error": "unknown channel: " + req.Channel})
		return
	}

	runID, err := o.pipelines.Start(o.dispatchCtx(), req.Name, ch.ID, agentID, req.Task)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("start failed: %v", err)})
		return
	}

	slog.Info("pipeline started via ipc", "name", req.Name, "run", runID, "agent", agentID)
	o.respondIPC(msg, map[string]any{"ok": true, "run_id": runID})
}

func (o *Orchestrator) ipcStatus(msg *nats.Msg, agentID string) {
	a, err := o.roster.Get(agentID)
	if err != nil {
		o.respondIPC(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if a == nil {
		o.respondIPC(msg, map[string]any{"error": "unknown agent: " + agentID})
		return
	}

	o.respondIPC(msg, map[string]any{
		"ok":                true,
		"status":            a.Status,
		"salary_balance":    a.SalaryBalance,
		"performance_score": a.PerformanceScore,
		"token_budget":      a.TokenBudget,
		"low_streak":        a.LowStreak,
	})
}
