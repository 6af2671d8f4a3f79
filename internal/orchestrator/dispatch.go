package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/router"
	"github.com/mtzanidakis/bullpen/internal/runtime"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// historyLimit bounds how much conversation goes into a prompt.
const historyLimit = 30

// Dispatch fans a resolved plan out to its targets. Prompts are built
// here, once, from the conversation as it stands, so concurrent broadcast
// recipients all see the same snapshot. Each target's queue drains
// independently; broadcast replies land in completion order.
func (o *Orchestrator) Dispatch(ch *store.Channel, msg *store.Message, plan router.Plan) {
	history, err := o.store.GetMessages(ch.ID, historyLimit)
	if err != nil {
		slog.Warn("load history failed", "channel", ch.ID, "error", err)
	}
	members, err := o.store.GetMembers(ch.ID)
	if err != nil {
		slog.Warn("load members failed", "channel", ch.ID, "error", err)
	}
	notes, err := o.channels.GetNotes(ch.ID)
	if err != nil {
		slog.Warn("load channel notes failed", "channel", ch.ID, "error", err)
	}

	// Standup fan-outs get a roll-call notice once the last reply is in.
	var tracker *fanoutTracker
	if msg.Kind == store.KindStandupRequest {
		tracker = newFanoutTracker(len(plan.Targets), func(answered, total int) {
			o.systemNotice(ch.ID, fmt.Sprintf("Standup complete: %d of %d answered.", answered, total))
		})
	}

	for _, t := range plan.Targets {
		entry := dispatchEntry{
			ChannelID: ch.ID,
			Mode:      t.Mode,
			Prompt:    o.buildPrompt(ch, t, msg, history, members, notes),
			Message:   msg,
			tracker:   tracker,
		}
		q := o.getQueue(t.AgentID)
		q.Enqueue(entry)
		go o.drain(t.AgentID)
	}
}

func (o *Orchestrator) drain(agentID string) {
	q := o.getQueue(agentID)

	if !q.TryLock() {
		return // already draining
	}
	defer q.Unlock()

	for {
		entry, ok := q.Dequeue()
		if !ok {
			return
		}
		o.execute(o.dispatchCtx(), agentID, entry)
	}
}

// execute runs one queued dispatch and reports the outcome to the entry's
// fan-out tracker, when it carries one.
func (o *Orchestrator) execute(ctx context.Context, agentID string, entry dispatchEntry) {
	answered := o.runEntry(ctx, agentID, entry)
	if entry.tracker != nil {
		entry.tracker.finish(answered)
	}
}

// runEntry works one entry under the agent's lock: eligibility and budget
// gates, invoke, persist the reply, then feed the reply back through
// routing. Returns whether the agent produced a reply.
func (o *Orchestrator) runEntry(ctx context.Context, agentID string, entry dispatchEntry) bool {
	lock := o.getLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	if !o.eligibleNow(agentID, entry.ChannelID) {
		return false
	}

	allowed, err := o.economy.AllowDispatch(agentID)
	if err != nil {
		slog.Error("budget check failed", "agent", agentID, "error", err)
		return false
	}
	if !allowed {
		// Exhausted budget excludes quietly, like a pause
		return false
	}

	o.publishAgentEvent(agentID, "dispatch", map[string]any{
		"channel_id": entry.ChannelID,
		"mode":       entry.Mode,
		"message_id": entry.Message.ID,
	})

	start := time.Now()
	resp, err := o.invoker.Invoke(ctx, agentID, runtime.Request{
		ID:        uuid.New().String(),
		ChannelID: entry.ChannelID,
		Prompt:    entry.Prompt,
	})
	if err != nil {
		o.dispatchFailed(agentID, entry, err)
		return false
	}

	if err := o.economy.RecordActivity(agentID, resp.TokensUsed); err != nil {
		slog.Warn("record activity failed", "agent", agentID, "error", err)
	}

	kind := store.KindChat
	if entry.Message.Kind == store.KindStandupRequest {
		kind = store.KindStandupResponse
	}

	reply := &store.Message{
		ChannelID:  entry.ChannelID,
		SenderID:   agentID,
		SenderKind: store.SenderAgent,
		Kind:       kind,
		Content:    resp.Content,
		Mentions:   router.ParseMentions(resp.Content),
	}
	if err := o.store.SaveMessage(reply); err != nil {
		slog.Error("save reply failed", "agent", agentID, "error", err)
		return false
	}
	o.publishMessage(reply)
	o.notify(reply)

	slog.Info("dispatch completed", "agent", agentID, "channel", entry.ChannelID,
		"mode", entry.Mode, "duration", time.Since(start).Round(time.Millisecond))

	ch, err := o.store.GetChannel(entry.ChannelID)
	if err != nil || ch == nil {
		return true
	}
	if err := o.route(ctx, ch, reply); err != nil {
		slog.Error("route reply failed", "agent", agentID, "error", err)
	}
	return true
}

// eligibleNow re-checks pause and lifecycle state at execution time. Plans
// are resolved when a message arrives, but an entry can wait behind a long
// invocation; a pause or termination issued in between wins. Like the
// budget gate, the exclusion is quiet.
func (o *Orchestrator) eligibleNow(agentID, channelID string) bool {
	a, err := o.roster.Get(agentID)
	if err != nil {
		slog.Warn("eligibility check failed", "agent", agentID, "error", err)
		return false
	}
	if a == nil || a.Status != store.AgentActive {
		return false
	}

	member, err := o.store.GetMember(channelID, agentID)
	if err != nil {
		slog.Warn("eligibility check failed", "agent", agentID, "channel", channelID, "error", err)
		return false
	}
	return member != nil && !member.Paused
}

// dispatchFailed reports a failed invocation into the channel. Timeouts
// and runtime failures are both loud; neither is retried here.
func (o *Orchestrator) dispatchFailed(agentID string, entry dispatchEntry, err error) {
	kind := "runtime_failure"
	notice := fmt.Sprintf("%s could not answer: %v", agentID, err)
	if errors.Is(err, runtime.ErrTimeout) {
		kind = "dispatch_timeout"
		notice = fmt.Sprintf("%s did not answer in time.", agentID)
	}

	slog.Error("dispatch failed", "agent", agentID, "channel", entry.ChannelID, "kind", kind, "error", err)
	o.publishAgentEvent(agentID, "dispatch_failed", map[string]any{
		"channel_id": entry.ChannelID,
		"mode":       entry.Mode,
		"kind":       kind,
		"error":      err.Error(),
	})
	o.systemNotice(entry.ChannelID, notice)
}

// DispatchStep synchronously runs one exclusive invocation on behalf of a
// pipeline step and returns the reply content. It takes the same per-agent
// lock as channel dispatch but the reply is not routed onward; the engine
// owns what happens next.
func (o *Orchestrator) DispatchStep(ctx context.Context, agentID, channelID, prompt string) (string, error) {
	lock := o.getLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	allowed, err := o.economy.AllowDispatch(agentID)
	if err != nil {
		return "", fmt.Errorf("budget check: %w", err)
	}
	if !allowed {
		return "", fmt.Errorf("dispatch to %s: %w", agentID, economy.ErrBudgetExhausted)
	}

	o.publishAgentEvent(agentID, "dispatch", map[string]any{
		"channel_id": channelID,
		"mode":       router.ModeExclusive,
		"pipeline":   true,
	})

	resp, err := o.invoker.Invoke(ctx, agentID, runtime.Request{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Prompt:    prompt,
	})
	if err != nil {
		o.publishAgentEvent(agentID, "dispatch_failed", map[string]any{
			"channel_id": channelID,
			"pipeline":   true,
			"error":      err.Error(),
		})
		return "", err
	}

	if err := o.economy.RecordActivity(agentID, resp.TokensUsed); err != nil {
		slog.Warn("record activity failed", "agent", agentID, "error", err)
	}

	reply := &store.Message{
		ChannelID:  channelID,
		SenderID:   agentID,
		SenderKind: store.SenderAgent,
		Kind:       store.KindChat,
		Content:    resp.Content,
	}
	if err := o.store.SaveMessage(reply); err != nil {
		slog.Error("save step reply failed", "agent", agentID, "error", err)
	} else {
		o.publishMessage(reply)
		o.notify(reply)
	}

	return resp.Content, nil
}

// buildPrompt renders the channel context for one target: member roll,
// shared notes, the recent conversation, and the new message. Standup
// requests swap the tail for the agent's own work log and open items.
func (o *Orchestrator) buildPrompt(ch *store.Channel, target router.Target, msg *store.Message, history []store.Message, members []store.Member, notes string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Channel #%s", ch.Name)
	if ch.Description != "" {
		fmt.Fprintf(&b, ": %s", ch.Description)
	}
	b.WriteString("\n")

	if len(members) > 0 {
		b.WriteString("Members:")
		for _, m := range members {
			a, err := o.roster.Get(m.AgentID)
			if err != nil || a == nil {
				continue
			}
			fmt.Fprintf(&b, " %s (%s)", a.ID, a.Role)
			if m.Paused {
				b.WriteString(" [paused]")
			}
		}
		b.WriteString("\n")
	}

	if notes = strings.TrimSpace(notes); notes != "" {
		b.WriteString("\nChannel notes:\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, m := range history {
			if m.ID == msg.ID {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderID, m.Content)
		}
	}

	if msg.Kind == store.KindStandupRequest {
		o.writeStandupContext(&b, target.AgentID, msg)
	} else {
		fmt.Fprintf(&b, "\nNew message from %s:\n%s\n", msg.SenderID, msg.Content)
		if target.Mode == router.ModeBroadcast {
			b.WriteString("\nEveryone in the channel received this message. Answer for yourself only.\n")
		} else {
			b.WriteString("\nRespond in the channel. Mention @name to hand work to another agent.\n")
		}
	}

	return b.String()
}

// writeStandupContext appends the standup request plus the agent's own
// recent updates and open work items.
func (o *Orchestrator) writeStandupContext(b *strings.Builder, agentID string, msg *store.Message) {
	fmt.Fprintf(b, "\nStandup request from %s:\n%s\n", msg.SenderID, msg.Content)

	updates, err := o.store.GetAgentUpdates(agentID, 5)
	if err != nil {
		slog.Warn("load updates failed", "agent", agentID, "error", err)
	}
	if len(updates) > 0 {
		b.WriteString("\nYour recent updates:\n")
		for _, u := range updates {
			fmt.Fprintf(b, "- [%s] %s\n", u.CreatedAt.Format("Jan 2 15:04"), u.Summary)
		}
	}

	items, err := o.store.ListWorkItems("", agentID)
	if err != nil {
		slog.Warn("load work items failed", "agent", agentID, "error", err)
	}
	var open []store.WorkItem
	for _, it := range items {
		if it.Status == store.ItemOpen || it.Status == store.ItemInProgress {
			open = append(open, it)
		}
	}
	if len(open) > 0 {
		b.WriteString("\nYour open work items:\n")
		for _, it := range open {
			fmt.Fprintf(b, "- %s (%s)\n", it.Title, it.Status)
		}
	}

	b.WriteString("\nGive a short status update: what you finished, what you are on, and anything blocking you.\n")
}
