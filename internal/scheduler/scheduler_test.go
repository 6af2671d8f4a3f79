package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/store"
)

type fakePoster struct {
	mu   sync.Mutex
	msgs []*store.Message
	err  error
}

func (p *fakePoster) HandleInbound(ctx context.Context, msg *store.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePoster) messages() []*store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*store.Message(nil), p.msgs...)
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig) (*Scheduler, *fakePoster, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for _, id := range []string{"max", "alice"} {
		_ = s.SaveAgent(&store.Agent{
			ID: id, Name: id, Role: "developer",
			Status: store.AgentActive, PerformanceScore: 0.5, TokenBudget: 100,
		})
	}
	_ = s.SaveChannel(&store.Channel{ID: "ch-general", Name: "general"})

	ecoCfg := config.EconomyConfig{
		SalaryPerCycle:       10,
		BonusAmount:          50,
		BonusThreshold:       0.8,
		WarningThreshold:     0.3,
		TerminationThreshold: 0.15,
		TerminationStreak:    2,
		ScoreWeight:          0.3,
		TokenBudget:          1000,
		SalaryFloor:          -100,
	}

	poster := &fakePoster{}
	sched := New(s, poster, economy.New(s, ecoCfg, nil), nil, nil, cfg)
	return sched, poster, s
}

func savePost(t *testing.T, s *store.Store, post *store.ScheduledPost) {
	t.Helper()
	if err := s.SaveScheduledPost(post); err != nil {
		t.Fatalf("save scheduled post: %v", err)
	}
}

func TestSeedStandups(t *testing.T) {
	cfg := config.SchedulerConfig{
		Standups: []config.StandupDef{
			{Channel: "general", Schedule: "0 9 * * *", Prompt: "@here morning standup"},
		},
	}
	sched, _, s := newTestScheduler(t, cfg)

	if err := sched.SeedStandups(); err != nil {
		t.Fatalf("seed standups: %v", err)
	}

	posts, err := s.ListScheduledPosts()
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	p := posts[0]
	if p.ID != "standup-ch-general" {
		t.Errorf("expected deterministic id, got %q", p.ID)
	}
	if p.ChannelID != "ch-general" {
		t.Errorf("expected channel resolved by name, got %q", p.ChannelID)
	}
	if p.Kind != store.KindStandupRequest {
		t.Errorf("expected standup_request kind, got %q", p.Kind)
	}
	if p.Prompt != "@here morning standup" {
		t.Errorf("unexpected prompt: %q", p.Prompt)
	}
	if p.NextRunAt == nil || p.NextRunAt.Before(time.Now()) {
		t.Errorf("expected future next run, got %v", p.NextRunAt)
	}

	// Seeding again replaces the post instead of duplicating it.
	if err := sched.SeedStandups(); err != nil {
		t.Fatalf("reseed standups: %v", err)
	}
	posts, _ = s.ListScheduledPosts()
	if len(posts) != 1 {
		t.Errorf("expected 1 post after reseed, got %d", len(posts))
	}
}

func TestSeedStandupsDefaultPrompt(t *testing.T) {
	cfg := config.SchedulerConfig{
		Standups: []config.StandupDef{{Channel: "general", Schedule: "0 9 * * 1-5"}},
	}
	sched, _, s := newTestScheduler(t, cfg)

	if err := sched.SeedStandups(); err != nil {
		t.Fatalf("seed standups: %v", err)
	}
	posts, _ := s.ListScheduledPosts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if !strings.Contains(posts[0].Prompt, "Standup time") {
		t.Errorf("expected default prompt, got %q", posts[0].Prompt)
	}
}

func TestSeedStandupsSkipsUnknownChannel(t *testing.T) {
	cfg := config.SchedulerConfig{
		Standups: []config.StandupDef{{Channel: "nope", Schedule: "0 9 * * *"}},
	}
	sched, _, s := newTestScheduler(t, cfg)

	if err := sched.SeedStandups(); err != nil {
		t.Fatalf("expected unknown channel to be skipped, got %v", err)
	}
	posts, _ := s.ListScheduledPosts()
	if len(posts) != 0 {
		t.Errorf("expected no posts, got %d", len(posts))
	}
}

func TestSeedStandupsRejectsBadSchedule(t *testing.T) {
	cfg := config.SchedulerConfig{
		Standups: []config.StandupDef{{Channel: "general", Schedule: "whenever"}},
	}
	sched, _, _ := newTestScheduler(t, cfg)

	err := sched.SeedStandups()
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if !strings.Contains(err.Error(), "general") {
		t.Errorf("expected error to name the channel, got %v", err)
	}
}

func TestFirePostDeliversInbound(t *testing.T) {
	sched, poster, s := newTestScheduler(t, config.SchedulerConfig{})

	past := time.Now().Add(-time.Minute)
	savePost(t, s, &store.ScheduledPost{
		ID:        "p1",
		ChannelID: "ch-general",
		Name:      "general standup",
		Schedule:  `{"kind":"cron","cron_expr":"* * * * *"}`,
		Prompt:    "@here status check",
		Kind:      store.KindStandupRequest,
		NextRunAt: &past,
	})

	sched.firePosts(context.Background())

	msgs := poster.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 inbound message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ChannelID != "ch-general" {
		t.Errorf("expected channel ch-general, got %q", m.ChannelID)
	}
	if m.SenderID != "scheduler" || m.SenderKind != store.SenderHuman {
		t.Errorf("expected human-kind scheduler sender, got %s/%s", m.SenderID, m.SenderKind)
	}
	if m.Kind != store.KindStandupRequest {
		t.Errorf("expected standup_request, got %q", m.Kind)
	}
	if m.Content != "@here status check" {
		t.Errorf("unexpected content: %q", m.Content)
	}

	p, _ := s.GetScheduledPost("p1")
	if p.LastStatus != "success" {
		t.Errorf("expected success status, got %q", p.LastStatus)
	}
	if p.NextRunAt == nil || !p.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("expected next run to advance, got %v", p.NextRunAt)
	}
	if p.Status != "active" {
		t.Errorf("recurring post should stay active, got %q", p.Status)
	}
}

func TestFirePostSkipsNotDue(t *testing.T) {
	sched, poster, s := newTestScheduler(t, config.SchedulerConfig{})

	future := time.Now().Add(time.Hour)
	savePost(t, s, &store.ScheduledPost{
		ID:        "p1",
		ChannelID: "ch-general",
		Name:      "later",
		Schedule:  `{"kind":"cron","cron_expr":"0 9 * * *"}`,
		Prompt:    "not yet",
		NextRunAt: &future,
	})

	sched.firePosts(context.Background())
	if len(poster.messages()) != 0 {
		t.Errorf("expected no firings for future post")
	}
}

func TestFirePostRecordsFailure(t *testing.T) {
	sched, poster, s := newTestScheduler(t, config.SchedulerConfig{})
	poster.err = errors.New("channel store is on fire")

	past := time.Now().Add(-time.Minute)
	savePost(t, s, &store.ScheduledPost{
		ID:        "p1",
		ChannelID: "ch-general",
		Name:      "general standup",
		Schedule:  `{"kind":"cron","cron_expr":"* * * * *"}`,
		Prompt:    "@here status",
		Kind:      store.KindStandupRequest,
		NextRunAt: &past,
	})

	sched.firePosts(context.Background())

	p, _ := s.GetScheduledPost("p1")
	if p.LastStatus != "error" {
		t.Errorf("expected error status, got %q", p.LastStatus)
	}
	if !strings.Contains(p.LastError, "on fire") {
		t.Errorf("expected error detail recorded, got %q", p.LastError)
	}
	if p.NextRunAt == nil {
		t.Error("failed firing should still reschedule")
	}
}

func TestFirePostRetiresOneShot(t *testing.T) {
	sched, poster, s := newTestScheduler(t, config.SchedulerConfig{})

	past := time.Now().Add(-time.Minute)
	savePost(t, s, &store.ScheduledPost{
		ID:        "p1",
		ChannelID: "ch-general",
		Name:      "kickoff",
		Schedule:  fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past.UnixMilli()),
		Prompt:    "kick off the release",
		NextRunAt: &past,
	})

	sched.firePosts(context.Background())

	if len(poster.messages()) != 1 {
		t.Fatalf("expected one firing, got %d", len(poster.messages()))
	}
	p, _ := s.GetScheduledPost("p1")
	if p.Status != "completed" {
		t.Errorf("expected one-shot to retire, got status %q", p.Status)
	}
	if p.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", p.NextRunAt)
	}

	// Retired posts never fire again.
	sched.firePosts(context.Background())
	if len(poster.messages()) != 1 {
		t.Error("retired post fired again")
	}
}

func TestPayCycleFires(t *testing.T) {
	sched, _, s := newTestScheduler(t, config.SchedulerConfig{PayCycle: "0 0 * * *"})

	if sched.nextPay == nil {
		t.Fatal("expected pay cycle armed")
	}

	// Not due yet: nothing moves.
	sched.fireCycles()
	a, _ := s.GetAgent("alice")
	if a.SalaryBalance != 0 {
		t.Fatalf("expected no pay before due time, balance %d", a.SalaryBalance)
	}

	past := time.Now().Add(-time.Minute)
	sched.nextPay = &past
	sched.fireCycles()

	a, _ = s.GetAgent("alice")
	if a.SalaryBalance != 10 {
		t.Errorf("expected salary 10 after pay cycle, got %d", a.SalaryBalance)
	}
	if sched.nextPay == nil || !sched.nextPay.After(time.Now().Add(-time.Second)) {
		t.Errorf("expected pay cycle re-armed, got %v", sched.nextPay)
	}
}

func TestBudgetResetFires(t *testing.T) {
	sched, _, s := newTestScheduler(t, config.SchedulerConfig{BudgetReset: "0 0 * * *"})

	if err := s.UpdateAgentEconomy("alice", 0, 0.5, 0, 0); err != nil {
		t.Fatalf("drain budget: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	sched.nextReset = &past
	sched.fireCycles()

	a, _ := s.GetAgent("alice")
	if a.TokenBudget != 1000 {
		t.Errorf("expected budget restored to 1000, got %d", a.TokenBudget)
	}
}

func TestCyclesDisabledWhenUnset(t *testing.T) {
	sched, _, _ := newTestScheduler(t, config.SchedulerConfig{})
	if sched.nextPay != nil || sched.nextReset != nil {
		t.Error("expected no cycles armed without cron expressions")
	}
}
