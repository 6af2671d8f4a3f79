package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/channels"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/router"
	"github.com/mtzanidakis/bullpen/internal/runtime"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// systemSender identifies notices the orchestrator posts into channels.
const systemSender = "system"

// MessageListener observes every message the orchestrator persists:
// inbound traffic, agent replies, and system notices. The web console and
// the telegram bridge attach here.
type MessageListener func(msg *store.Message)

// PipelineStarter is the slice of the pipeline engine the orchestrator
// needs for the start-pipeline command. Wired after construction because
// the engine dispatches its steps back through the orchestrator.
type PipelineStarter interface {
	Start(ctx context.Context, name, channelID, startedBy, task string) (string, error)
	Names() []string
}

// Orchestrator owns message flow: it persists inbound messages, resolves
// recipients, and runs every agent invocation under that agent's lock so
// one agent never handles two messages at once.
type Orchestrator struct {
	store     *store.Store
	roster    *roster.Roster
	channels  *channels.Manager
	router    *router.Router
	economy   *economy.Engine
	invoker   runtime.Invoker
	client    *bus.Client
	pipelines PipelineStarter

	baseCtx context.Context

	mu     sync.Mutex
	queues map[string]*agentQueue
	locks  map[string]*sync.Mutex

	listenerMu sync.RWMutex
	listeners  []MessageListener
}

func New(s *store.Store, r *roster.Roster, ch *channels.Manager, rt *router.Router, eco *economy.Engine, invoker runtime.Invoker, client *bus.Client) *Orchestrator {
	return &Orchestrator{
		store:    s,
		roster:   r,
		channels: ch,
		router:   rt,
		economy:  eco,
		invoker:  invoker,
		client:   client,
		queues:   make(map[string]*agentQueue),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Start binds the orchestrator to its lifetime context and subscribes to
// host IPC. Call it before feeding traffic in.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.baseCtx = ctx

	if o.client != nil {
		if _, err := o.client.Subscribe("host.ipc.*", o.handleIPC); err != nil {
			return fmt.Errorf("subscribe ipc: %w", err)
		}
	}
	return nil
}

// SetPipelines wires the pipeline engine in after construction.
func (o *Orchestrator) SetPipelines(p PipelineStarter) {
	o.pipelines = p
}

func (o *Orchestrator) OnMessage(listener MessageListener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listeners = append(o.listeners, listener)
}

// HandleInbound persists one inbound message and routes it. Messages are
// handled strictly in arrival order; dispatching happens asynchronously on
// the per-agent queues.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg *store.Message) error {
	ch, err := o.store.GetChannel(msg.ChannelID)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	if ch == nil {
		return fmt.Errorf("unknown channel %q", msg.ChannelID)
	}

	if msg.Kind == "" {
		msg.Kind = store.KindChat
	}
	if len(msg.Mentions) == 0 {
		msg.Mentions = router.ParseMentions(msg.Content)
	}

	if err := o.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	o.publishMessage(msg)
	o.notify(msg)

	return o.route(ctx, ch, msg)
}

// route resolves recipients for an already persisted message and fans the
// plan out. Agent replies come back through here too, which is how a
// mention in a reply hands work to the next agent.
func (o *Orchestrator) route(ctx context.Context, ch *store.Channel, msg *store.Message) error {
	// System traffic and standup answers are terminal: displayed, never routed.
	if msg.SenderKind == store.SenderSystem || msg.Kind == store.KindSystem || msg.Kind == store.KindStandupResponse {
		return nil
	}

	if msg.SenderKind == store.SenderHuman {
		if cmd, ok := router.ParseCommand(msg.Content); ok {
			return o.runCommand(ctx, ch, msg, cmd)
		}
	}

	members, err := o.store.GetMembers(ch.ID)
	if err != nil {
		return fmt.Errorf("get members: %w", err)
	}

	plan, err := o.router.Resolve(msg, ch, members)
	if errors.Is(err, router.ErrUnrouted) {
		o.handleUnrouted(ch, msg)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	o.Dispatch(ch, msg, plan)
	return nil
}

// handleUnrouted reports an empty plan. A human deserves to know nobody
// will answer; an agent reply that goes nowhere is normal conversation
// ending and only logged.
func (o *Orchestrator) handleUnrouted(ch *store.Channel, msg *store.Message) {
	if msg.SenderKind == store.SenderHuman {
		o.systemNotice(ch.ID, "Nobody can take this message: everyone it could go to is unknown, paused, or terminated.")
		return
	}
	slog.Debug("agent message not routed", "channel", ch.ID, "sender", msg.SenderID)
}

// Notice posts a system message into a channel on behalf of the host.
// Pipeline completions and failures report through here.
func (o *Orchestrator) Notice(channelID, text string) {
	o.systemNotice(channelID, text)
}

// systemNotice persists a system message into the channel and publishes it.
func (o *Orchestrator) systemNotice(channelID, text string) {
	msg := &store.Message{
		ChannelID:  channelID,
		SenderID:   systemSender,
		SenderKind: store.SenderSystem,
		Kind:       store.KindSystem,
		Content:    text,
	}
	if err := o.store.SaveMessage(msg); err != nil {
		slog.Error("save system notice failed", "channel", channelID, "error", err)
		return
	}
	o.publishMessage(msg)
	o.notify(msg)
}

func (o *Orchestrator) notify(msg *store.Message) {
	o.listenerMu.RLock()
	defer o.listenerMu.RUnlock()
	for _, l := range o.listeners {
		l(msg)
	}
}

func (o *Orchestrator) publishMessage(msg *store.Message) {
	if o.client == nil {
		return
	}

	timeStr := msg.CreatedAt.Format("15:04")
	if msg.CreatedAt.IsZero() {
		timeStr = time.Now().Format("15:04")
	}

	event := map[string]any{
		"type":       "message",
		"channel_id": msg.ChannelID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":          msg.ID,
			"sender_id":   msg.SenderID,
			"sender_kind": msg.SenderKind,
			"kind":        msg.Kind,
			"text":        msg.Content,
			"time":        timeStr,
		},
	}

	if err := o.client.PublishJSON(bus.TopicChannelMessages(msg.ChannelID), event); err != nil {
		slog.Warn("publish message event failed", "channel", msg.ChannelID, "error", err)
	}
}

func (o *Orchestrator) publishAgentEvent(agentID, kind string, fields map[string]any) {
	if o.client == nil {
		return
	}

	event := map[string]any{
		"type":      kind,
		"agent_id":  agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		event[k] = v
	}

	if err := o.client.PublishJSON(bus.TopicEventsAgent(agentID), event); err != nil {
		slog.Warn("publish agent event failed", "agent", agentID, "error", err)
	}
}

func (o *Orchestrator) getQueue(agentID string) *agentQueue {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.queues[agentID]
	if !ok {
		q = newAgentQueue(agentID)
		o.queues[agentID] = q
	}
	return q
}

// getLock returns the agent's invocation lock. Both channel dispatch and
// pipeline steps take it, so an agent runs one build-invoke-persist cycle
// at a time no matter who asks.
func (o *Orchestrator) getLock(agentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[agentID] = l
	}
	return l
}

func (o *Orchestrator) dispatchCtx() context.Context {
	if o.baseCtx != nil {
		return o.baseCtx
	}
	return context.Background()
}
