package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/bullpen/internal/channels"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/router"
	"github.com/mtzanidakis/bullpen/internal/runtime"
	"github.com/mtzanidakis/bullpen/internal/store"
)

type invocation struct {
	AgentID string
	Req     runtime.Request
}

// fakeInvoker answers invocations synchronously. A reply function, when
// set, decides the outcome per agent; the default acknowledges.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
	reply func(agentID string, req runtime.Request) (*runtime.Response, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, agentID string, req runtime.Request) (*runtime.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{AgentID: agentID, Req: req})
	fn := f.reply
	f.mu.Unlock()

	if fn != nil {
		return fn(agentID, req)
	}
	return &runtime.Response{Type: "result", Content: "ack from " + agentID, TokensUsed: 10}, nil
}

func (f *fakeInvoker) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

func (f *fakeInvoker) callCount(agentID string) int {
	n := 0
	for _, c := range f.invocations() {
		if c.AgentID == agentID {
			n++
		}
	}
	return n
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	inv   *fakeInvoker
	msgs  chan *store.Message
	seen  []*store.Message
}

// newTestOrchestrator builds a channel "general" with Max (coordinator),
// Alice (developer) and Bob (reviewer) as members, in that order, and a
// fake invoker in place of the container runtime.
func newTestOrchestrator(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rosterCfg := config.RosterConfig{
		Coordinator: "max",
		Agents: []config.AgentDef{
			{Name: "Max", Role: roster.RoleCoordinator},
			{Name: "Alice", Role: roster.RoleDeveloper},
			{Name: "Bob", Role: roster.RoleReviewer},
		},
	}
	ecoCfg := config.EconomyConfig{
		SalaryPerCycle:       10,
		BonusAmount:          50,
		BonusThreshold:       0.8,
		WarningThreshold:     0.3,
		TerminationThreshold: 0.15,
		TerminationStreak:    2,
		ScoreWeight:          0.3,
		TokenBudget:          1000,
	}

	reg := roster.New(s, rosterCfg, config.RuntimeConfig{}, ecoCfg, filepath.Join(dir, "ws"))
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync roster: %v", err)
	}

	chans := channels.NewManager(s, config.ChannelsConfig{BasePath: filepath.Join(dir, "ws")})
	if err := s.SaveChannel(&store.Channel{ID: "general", Name: "general"}); err != nil {
		t.Fatalf("save channel: %v", err)
	}
	for _, id := range []string{"max", "alice", "bob"} {
		if err := s.AddMember("general", id); err != nil {
			t.Fatalf("add member %s: %v", id, err)
		}
	}

	inv := &fakeInvoker{}
	o := New(s, reg, chans, router.New(reg), economy.New(s, ecoCfg, nil), inv, nil)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}

	msgs := make(chan *store.Message, 64)
	o.OnMessage(func(m *store.Message) { msgs <- m })

	return &fixture{orch: o, store: s, inv: inv, msgs: msgs}
}

func (f *fixture) send(t *testing.T, msg *store.Message) {
	t.Helper()
	if err := f.orch.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
}

// waitFor returns the first message matching the predicate. Messages that
// arrive while waiting for something else are kept, so interleaved waits
// never lose traffic.
func (f *fixture) waitFor(t *testing.T, what string, match func(*store.Message) bool) *store.Message {
	t.Helper()

	for i, m := range f.seen {
		if match(m) {
			f.seen = append(f.seen[:i], f.seen[i+1:]...)
			return m
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-f.msgs:
			if match(m) {
				return m
			}
			f.seen = append(f.seen, m)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

// waitForN collects n matching messages, in observation order.
func (f *fixture) waitForN(t *testing.T, n int, what string, match func(*store.Message) bool) []*store.Message {
	t.Helper()
	var got []*store.Message
	for len(got) < n {
		got = append(got, f.waitFor(t, what, match))
	}
	return got
}

func humanMsg(channelID, content string) *store.Message {
	return &store.Message{
		ChannelID:  channelID,
		SenderID:   "user:1",
		SenderKind: store.SenderHuman,
		Content:    content,
	}
}

func fromAgent(m *store.Message) bool  { return m.SenderKind == store.SenderAgent }
func fromSystem(m *store.Message) bool { return m.SenderKind == store.SenderSystem }

func TestPlainMessageGoesToCoordinator(t *testing.T) {
	f := newTestOrchestrator(t)

	f.send(t, humanMsg("general", "how is the release looking?"))

	reply := f.waitFor(t, "coordinator reply", fromAgent)
	if reply.SenderID != "max" {
		t.Errorf("expected reply from max, got %s", reply.SenderID)
	}
	if reply.Kind != store.KindChat {
		t.Errorf("expected chat reply, got %s", reply.Kind)
	}

	calls := f.inv.invocations()
	if len(calls) != 1 || calls[0].AgentID != "max" {
		t.Fatalf("expected exactly one invocation of max, got %+v", calls)
	}
	prompt := calls[0].Req.Prompt
	if !strings.Contains(prompt, "how is the release looking?") {
		t.Errorf("prompt missing the new message:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Mention @name to hand work to another agent") {
		t.Errorf("prompt missing exclusive guidance:\n%s", prompt)
	}
}

func TestMentionIsExclusive(t *testing.T) {
	f := newTestOrchestrator(t)

	f.send(t, humanMsg("general", "@Alice please fix the login bug"))

	// Alice answers first; her plain reply then lands on the coordinator.
	replies := f.waitForN(t, 2, "alice then max", fromAgent)
	if replies[0].SenderID != "alice" || replies[1].SenderID != "max" {
		t.Fatalf("expected replies from alice then max, got %s then %s",
			replies[0].SenderID, replies[1].SenderID)
	}

	calls := f.inv.invocations()
	if len(calls) != 2 || calls[0].AgentID != "alice" || calls[1].AgentID != "max" {
		t.Fatalf("expected invocations alice, max; got %+v", calls)
	}
	if f.inv.callCount("bob") != 0 {
		t.Errorf("bob was invoked for a message that mentioned only alice")
	}
}

func TestMentionInReplyHandsWorkOn(t *testing.T) {
	f := newTestOrchestrator(t)
	f.inv.reply = func(agentID string, _ runtime.Request) (*runtime.Response, error) {
		switch agentID {
		case "alice":
			return &runtime.Response{Content: "@bob please review my patch"}, nil
		case "bob":
			return &runtime.Response{Content: "looks good"}, nil
		default:
			return &runtime.Response{Content: "noted"}, nil
		}
	}

	f.send(t, humanMsg("general", "@alice ship it"))

	replies := f.waitForN(t, 3, "alice, bob, max", fromAgent)
	order := []string{replies[0].SenderID, replies[1].SenderID, replies[2].SenderID}
	want := []string{"alice", "bob", "max"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected reply order %v, got %v", want, order)
		}
	}

	// Bob's prompt carries alice's handoff.
	for _, c := range f.inv.invocations() {
		if c.AgentID == "bob" && !strings.Contains(c.Req.Prompt, "please review my patch") {
			t.Errorf("bob's prompt missing the handoff:\n%s", c.Req.Prompt)
		}
	}
}

func TestStandupBroadcastsToAllMembers(t *testing.T) {
	f := newTestOrchestrator(t)

	msg := humanMsg("general", "daily standup, what is everyone on?")
	msg.Kind = store.KindStandupRequest
	f.send(t, msg)

	replies := f.waitForN(t, 3, "standup responses", func(m *store.Message) bool {
		return m.Kind == store.KindStandupResponse
	})

	seen := make(map[string]bool)
	for _, r := range replies {
		seen[r.SenderID] = true
	}
	for _, id := range []string{"max", "alice", "bob"} {
		if !seen[id] {
			t.Errorf("no standup response from %s", id)
		}
		if f.inv.callCount(id) != 1 {
			t.Errorf("expected exactly one invocation of %s, got %d", id, f.inv.callCount(id))
		}
	}

	for _, c := range f.inv.invocations() {
		if !strings.Contains(c.Req.Prompt, "Give a short status update") {
			t.Errorf("%s prompt missing standup framing:\n%s", c.AgentID, c.Req.Prompt)
		}
	}
}

func TestStandupRollCallClosesTheFanout(t *testing.T) {
	f := newTestOrchestrator(t)

	msg := humanMsg("general", "standup time")
	msg.Kind = store.KindStandupRequest
	f.send(t, msg)

	rollCall := f.waitFor(t, "roll call", fromSystem)
	if !strings.Contains(rollCall.Content, "3 of 3") {
		t.Errorf("expected a full roll call, got %q", rollCall.Content)
	}

	// The roll-call comes after every response has been persisted.
	msgs, err := f.store.GetMessages("general", 50)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	responses := 0
	for _, m := range msgs {
		if m.Kind == store.KindStandupResponse {
			responses++
		}
	}
	if responses != 3 {
		t.Errorf("expected 3 responses persisted before the roll call, got %d", responses)
	}
}

func TestBroadcastSkipsPausedMembers(t *testing.T) {
	f := newTestOrchestrator(t)
	if err := f.store.SetMemberPaused("general", "bob", true); err != nil {
		t.Fatalf("pause bob: %v", err)
	}

	msg := humanMsg("general", "standup time")
	msg.Kind = store.KindStandupRequest
	f.send(t, msg)

	f.waitForN(t, 2, "standup responses", func(m *store.Message) bool {
		return m.Kind == store.KindStandupResponse
	})

	if f.inv.callCount("bob") != 0 {
		t.Errorf("paused bob was invoked %d times", f.inv.callCount("bob"))
	}
}

func TestBroadcastFailureIsolation(t *testing.T) {
	f := newTestOrchestrator(t)
	f.inv.reply = func(agentID string, _ runtime.Request) (*runtime.Response, error) {
		if agentID == "alice" {
			return nil, errors.New("container crashed")
		}
		return &runtime.Response{Content: "all good here"}, nil
	}

	msg := humanMsg("general", "standup")
	msg.Kind = store.KindStandupRequest
	f.send(t, msg)

	// The two healthy agents still answer, and the failure is reported.
	f.waitForN(t, 2, "healthy standup responses", func(m *store.Message) bool {
		return m.Kind == store.KindStandupResponse
	})
	notice := f.waitFor(t, "failure notice", func(m *store.Message) bool {
		return m.SenderKind == store.SenderSystem && strings.Contains(m.Content, "could not answer")
	})
	if !strings.Contains(notice.Content, "alice") {
		t.Errorf("failure notice does not name alice: %q", notice.Content)
	}

	// The roll-call still closes the standup, counting alice as absent.
	rollCall := f.waitFor(t, "roll call", func(m *store.Message) bool {
		return m.SenderKind == store.SenderSystem && strings.Contains(m.Content, "Standup complete")
	})
	if !strings.Contains(rollCall.Content, "2 of 3") {
		t.Errorf("expected 2 of 3 answered, got %q", rollCall.Content)
	}
}

func TestTimeoutGetsItsOwnNotice(t *testing.T) {
	f := newTestOrchestrator(t)
	f.inv.reply = func(agentID string, _ runtime.Request) (*runtime.Response, error) {
		return nil, fmt.Errorf("request: %w", runtime.ErrTimeout)
	}

	f.send(t, humanMsg("general", "@alice ping"))

	notice := f.waitFor(t, "timeout notice", fromSystem)
	if !strings.Contains(notice.Content, "did not answer in time") {
		t.Errorf("expected a timeout notice, got %q", notice.Content)
	}
}

func TestExhaustedBudgetSkipsQuietly(t *testing.T) {
	f := newTestOrchestrator(t)
	if err := f.store.UpdateAgentEconomy("alice", 0, 0.5, 0, 0); err != nil {
		t.Fatalf("zero budget: %v", err)
	}

	f.send(t, humanMsg("general", "@alice are you there?"))

	// The economy engine records the block before the dispatch returns.
	waitUntil(t, "budget block event", func() bool {
		events, err := f.store.ListEconomyEvents("alice", 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		for _, e := range events {
			if e.Kind == store.EventBudgetBlocked {
				return true
			}
		}
		return false
	})

	if n := f.inv.callCount("alice"); n != 0 {
		t.Errorf("expected no invocations for exhausted alice, got %d", n)
	}

	// Quiet exclusion: no notice in the channel either.
	msgs, err := f.store.GetMessages("general", 50)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	for _, m := range msgs {
		if m.SenderKind == store.SenderSystem {
			t.Errorf("unexpected system notice: %q", m.Content)
		}
	}
}

func TestQueuedDispatchRechecksEligibility(t *testing.T) {
	f := newTestOrchestrator(t)

	entry := dispatchEntry{
		ChannelID: "general",
		Mode:      router.ModeExclusive,
		Prompt:    "queued before the pause",
		Message:   humanMsg("general", "@alice queued before the pause"),
	}

	// Paused after the plan was resolved: the stale entry is skipped.
	if err := f.store.SetMemberPaused("general", "alice", true); err != nil {
		t.Fatalf("pause alice: %v", err)
	}
	f.orch.execute(context.Background(), "alice", entry)

	// Termination wins too, even with the membership flag cleared.
	if err := f.store.SetMemberPaused("general", "alice", false); err != nil {
		t.Fatalf("unpause alice: %v", err)
	}
	if err := f.store.SetAgentStatus("alice", store.AgentTerminated); err != nil {
		t.Fatalf("terminate alice: %v", err)
	}
	f.orch.execute(context.Background(), "alice", entry)

	if n := f.inv.callCount("alice"); n != 0 {
		t.Errorf("ineligible alice was invoked %d times", n)
	}
}

func TestAllMentionedPausedIsLoudForHumans(t *testing.T) {
	f := newTestOrchestrator(t)
	if err := f.store.SetMemberPaused("general", "alice", true); err != nil {
		t.Fatalf("pause alice: %v", err)
	}

	f.send(t, humanMsg("general", "@alice urgent"))

	notice := f.waitFor(t, "unrouted notice", fromSystem)
	if !strings.Contains(notice.Content, "Nobody can take this message") {
		t.Errorf("expected the unrouted notice, got %q", notice.Content)
	}
	if len(f.inv.invocations()) != 0 {
		t.Errorf("unexpected invocations: %+v", f.inv.invocations())
	}
}

func TestSystemMessagesAreNeverRouted(t *testing.T) {
	f := newTestOrchestrator(t)

	f.send(t, &store.Message{
		ChannelID:  "general",
		SenderID:   systemSender,
		SenderKind: store.SenderSystem,
		Kind:       store.KindSystem,
		Content:    "maintenance window at noon",
	})

	// Routing is synchronous up to dispatch, and system traffic never
	// reaches dispatch.
	if len(f.inv.invocations()) != 0 {
		t.Errorf("system message was dispatched: %+v", f.inv.invocations())
	}
}

func TestAgentSlashTextIsChatNotCommand(t *testing.T) {
	f := newTestOrchestrator(t)

	f.send(t, &store.Message{
		ChannelID:  "general",
		SenderID:   "alice",
		SenderKind: store.SenderAgent,
		Content:    "/unpause-all",
	})

	// The text routes like any agent chat: to the coordinator.
	f.waitFor(t, "coordinator reply", func(m *store.Message) bool {
		return m.SenderID == "max"
	})

	member, err := f.store.GetMember("general", "alice")
	if err != nil || member == nil {
		t.Fatalf("get member: %v", err)
	}
	if member.Paused {
		t.Errorf("agent text mutated pause state")
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	f := newTestOrchestrator(t)

	err := f.orch.HandleInbound(context.Background(), humanMsg("nope", "hello"))
	if err == nil {
		t.Fatal("expected an error for an unknown channel")
	}
}

// waitUntil polls a condition with a deadline.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
