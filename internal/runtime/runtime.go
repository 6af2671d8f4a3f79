package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/channels"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/container"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/store"
	"github.com/mtzanidakis/bullpen/internal/toolset"
	"github.com/mtzanidakis/bullpen/internal/vault"
	"github.com/nats-io/nats.go"
)

// ErrTimeout marks an invocation that hit the dispatch deadline. The
// dispatcher records it as a failed dispatch and does not retry.
var ErrTimeout = errors.New("agent did not answer before the dispatch deadline")

// sessionsDir holds each agent's runner state between container restarts.
const sessionsDir = "data/sessions"

// Request is one unit of work sent to an agent container.
type Request struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`
}

// Response is the runner's reply on the request subject.
type Response struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Invoker abstracts agent invocation so dispatch and pipeline logic can be
// tested without docker or NATS behind them.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, req Request) (*Response, error)
}

// Engine runs agent invocations against containers. It starts containers
// on demand, waits for the runner to connect to the bus, and sends each
// request as a NATS request/reply bounded by the dispatch timeout.
type Engine struct {
	bus        *bus.Bus
	client     *bus.Client
	store      *store.Store
	roster     *roster.Roster
	channels   *channels.Manager
	containers *container.Manager
	vault      *vault.Vault // nil without a passphrase; secrets stay sealed
	cfg        config.RuntimeConfig

	mu       sync.Mutex
	lastUsed map[string]time.Time
}

func New(b *bus.Bus, client *bus.Client, st *store.Store, r *roster.Roster, ch *channels.Manager, containers *container.Manager, v *vault.Vault, cfg config.RuntimeConfig) *Engine {
	return &Engine{
		bus:        b,
		client:     client,
		store:      st,
		roster:     r,
		channels:   ch,
		containers: containers,
		vault:      v,
		cfg:        cfg,
		lastUsed:   make(map[string]time.Time),
	}
}

func (e *Engine) Invoke(ctx context.Context, agentID string, req Request) (*Response, error) {
	if err := e.ensureAgent(ctx, agentID); err != nil {
		return nil, err
	}
	e.touch(agentID)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	timeout := e.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := e.client.RequestWithContext(reqCtx, bus.TopicAgentInput(agentID), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("invoke %s: %w", agentID, ErrTimeout)
		}
		return nil, fmt.Errorf("invoke %s: %w", agentID, err)
	}
	e.touch(agentID)

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", agentID, err)
	}
	if resp.IsError {
		return nil, fmt.Errorf("agent %s failed: %s", agentID, strings.TrimSpace(resp.Content))
	}

	resp.Content = e.redact(agentID, resp.Content)
	return &resp, nil
}

// ensureAgent starts the agent's container if it is not already running and
// waits for its runner to connect to the bus before any request is sent.
func (e *Engine) ensureAgent(ctx context.Context, agentID string) error {
	if e.containers.GetRunning(agentID) != nil {
		return nil
	}

	ag, err := e.roster.Get(agentID)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}
	if ag == nil {
		return fmt.Errorf("unknown agent %q", agentID)
	}

	// Capture the client count before starting so the connect is observable
	clientsBefore := e.bus.NumClients()
	slog.Info("starting agent", "agent", agentID, "nats_clients_before", clientsBefore)

	opts := container.AgentOpts{
		AgentID:      agentID,
		Role:         ag.Role,
		Model:        e.roster.ResolveModel(agentID),
		Prompt:       agentPrompt(e.roster.ResolvePrompt(agentID), ag.Learnings),
		Workspace:    e.roster.AgentPath(ag.Workspace),
		ChannelsPath: e.channels.Root(),
		GlobalPath:   e.roster.GlobalPath(),
		SessionPath:  filepath.Join(sessionsDir, agentID, ".claude"),
		NATSUrl:      e.bus.AgentNATSURL(),
		Toolset:      e.resolveToolset(agentID, ag),
		Secrets:      e.agentSecrets(agentID),
	}

	if _, err := e.containers.StartAgent(ctx, opts); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	// Wait for the runner to connect by watching the client count
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-deadline:
			slog.Warn("agent ready timeout, sending anyway", "agent", agentID, "nats_clients", e.bus.NumClients())
			break waitLoop
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := e.bus.NumClients()
			if current > clientsBefore {
				// Give the runner a moment to set up subscriptions
				time.Sleep(500 * time.Millisecond)
				slog.Info("agent container ready", "agent", agentID, "nats_clients", current)
				break waitLoop
			}
		}
	}

	e.touch(agentID)
	return nil
}

// agentPrompt folds the agent's accumulated learnings into its system
// prompt, so lessons recorded in one session carry into the next.
func agentPrompt(base, learnings string) string {
	learnings = strings.TrimSpace(learnings)
	if learnings == "" {
		return base
	}
	if base == "" {
		return "## Learnings\n" + learnings
	}
	return base + "\n\n## Learnings\n" + learnings
}

// resolveToolset produces the toolset JSON handed to the runner: the role
// baseline folded into the allow list and secret references resolved.
func (e *Engine) resolveToolset(agentID string, ag *store.Agent) string {
	ts, err := toolset.Parse(string(ag.Tools))
	if err != nil {
		slog.Warn("invalid stored toolset, using role defaults", "agent", agentID, "error", err)
		ts = &toolset.Toolset{}
	}
	ts.Allow = ts.EffectiveTools(ag.Role)

	if e.vault != nil {
		if err := ts.ResolveSecretRefs(func(name string) (string, error) {
			return e.secretValue(name)
		}); err != nil {
			slog.Warn("failed to resolve toolset secrets", "agent", agentID, "error", err)
		}
	}

	data, err := json.Marshal(ts)
	if err != nil {
		slog.Warn("failed to marshal toolset", "agent", agentID, "error", err)
		return ""
	}
	return string(data)
}

// agentSecrets decrypts the agent's assigned and global secrets into env
// values for the container. Without a vault nothing is injected.
func (e *Engine) agentSecrets(agentID string) map[string]string {
	if e.vault == nil {
		return nil
	}

	secrets, err := e.store.GetAgentSecrets(agentID)
	if err != nil {
		slog.Warn("failed to load agent secrets", "agent", agentID, "error", err)
		return nil
	}

	out := make(map[string]string, len(secrets))
	for _, sec := range secrets {
		plaintext, err := e.vault.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			slog.Warn("failed to decrypt secret", "agent", agentID, "secret", sec.Name, "error", err)
			continue
		}
		out[sec.Name] = string(plaintext)
	}
	return out
}

func (e *Engine) secretValue(name string) (string, error) {
	sec, err := e.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := e.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *Engine) touch(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed[agentID] = time.Now()
}

// StopIdle stops containers that have not served a request within the idle
// timeout. The scheduler calls this on every poll tick.
func (e *Engine) StopIdle(ctx context.Context) {
	timeout := e.cfg.IdleTimeout
	if timeout <= 0 {
		return
	}

	now := time.Now()
	var idle []string
	e.mu.Lock()
	for agentID, last := range e.lastUsed {
		if now.Sub(last) > timeout {
			idle = append(idle, agentID)
		}
	}
	e.mu.Unlock()

	for _, agentID := range idle {
		if e.containers.GetRunning(agentID) == nil {
			e.forget(agentID)
			continue
		}
		slog.Info("stopping idle agent", "agent", agentID, "idle_timeout", timeout)
		if err := e.containers.StopAgent(ctx, agentID); err != nil {
			slog.Warn("failed to stop idle agent", "agent", agentID, "error", err)
			continue
		}
		e.forget(agentID)
	}
}

func (e *Engine) forget(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastUsed, agentID)
}

// StopAgent stops a single agent's container, if running.
func (e *Engine) StopAgent(ctx context.Context, agentID string) error {
	e.forget(agentID)
	return e.containers.StopAgent(ctx, agentID)
}

// Shutdown stops every managed container.
func (e *Engine) Shutdown(ctx context.Context) {
	e.containers.StopAll(ctx)
}
