package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/runtime"
	"github.com/mtzanidakis/bullpen/internal/store"
)

func TestDispatchStepReturnsReply(t *testing.T) {
	f := newTestOrchestrator(t)

	out, err := f.orch.DispatchStep(context.Background(), "alice", "general", "summarize the design")
	if err != nil {
		t.Fatalf("dispatch step: %v", err)
	}
	if out != "ack from alice" {
		t.Errorf("unexpected step output: %q", out)
	}

	// The reply lands in the channel but is not routed onward: no
	// coordinator pickup, exactly one invocation.
	calls := f.inv.invocations()
	if len(calls) != 1 || calls[0].AgentID != "alice" {
		t.Fatalf("expected one invocation of alice, got %+v", calls)
	}
	if calls[0].Req.Prompt != "summarize the design" {
		t.Errorf("step prompt altered: %q", calls[0].Req.Prompt)
	}

	msgs, err := f.store.GetMessages("general", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != "alice" {
		t.Fatalf("expected alice's reply persisted, got %+v", msgs)
	}
}

func TestDispatchStepFailsFastOnExhaustedBudget(t *testing.T) {
	f := newTestOrchestrator(t)
	if err := f.store.UpdateAgentEconomy("alice", 0, 0.5, 0, 0); err != nil {
		t.Fatalf("zero budget: %v", err)
	}

	_, err := f.orch.DispatchStep(context.Background(), "alice", "general", "step")
	if !errors.Is(err, economy.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if len(f.inv.invocations()) != 0 {
		t.Errorf("exhausted agent was invoked")
	}
}

func TestDispatchStepPropagatesInvokeError(t *testing.T) {
	f := newTestOrchestrator(t)
	f.inv.reply = func(string, runtime.Request) (*runtime.Response, error) {
		return nil, fmt.Errorf("step: %w", runtime.ErrTimeout)
	}

	_, err := f.orch.DispatchStep(context.Background(), "alice", "general", "step")
	if !errors.Is(err, runtime.ErrTimeout) {
		t.Fatalf("expected the timeout to propagate, got %v", err)
	}

	msgs, _ := f.store.GetMessages("general", 10)
	if len(msgs) != 0 {
		t.Errorf("failed step persisted a message: %+v", msgs)
	}
}

func TestPromptCarriesChannelContext(t *testing.T) {
	f := newTestOrchestrator(t)

	// Notes live in the channel workspace on disk.
	notesDir := filepath.Join(f.orch.channels.Root(), "general")
	if err := os.MkdirAll(notesDir, 0o755); err != nil {
		t.Fatalf("mkdir notes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(notesDir, "NOTES.md"), []byte("Release freeze on Friday."), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	f.send(t, humanMsg("general", "the staging deploy is green"))
	f.waitFor(t, "first reply", fromAgent)

	f.send(t, humanMsg("general", "@alice verify production"))
	f.waitFor(t, "alice's reply", func(m *store.Message) bool {
		return m.SenderID == "alice"
	})

	var alicePrompt string
	for _, c := range f.inv.invocations() {
		if c.AgentID == "alice" {
			alicePrompt = c.Req.Prompt
		}
	}
	if alicePrompt == "" {
		t.Fatal("alice was never invoked")
	}

	for _, want := range []string{
		"Channel #general",
		"max (coordinator)",
		"Release freeze on Friday.",
		"the staging deploy is green",
		"verify production",
	} {
		if !strings.Contains(alicePrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, alicePrompt)
		}
	}
}
