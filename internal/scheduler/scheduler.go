// Package scheduler drives the time-based side of the system: scheduled
// channel posts (standups, mostly), the salary pay cycle, token budget
// resets, and idle container stops. One poll loop, everything hangs off it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/schedule"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// senderID is the sender attached to fired posts. Scheduled traffic enters
// the inbound path like a human typing on a timer, so standup requests
// broadcast and scheduled chat routes to the coordinator with no special
// casing.
const senderID = "scheduler"

// Poster receives fired posts as ordinary inbound messages. The
// orchestrator implements it.
type Poster interface {
	HandleInbound(ctx context.Context, msg *store.Message) error
}

// IdleStopper is the slice of the runtime the scheduler pokes every tick.
type IdleStopper interface {
	StopIdle(ctx context.Context)
}

type Scheduler struct {
	store   *store.Store
	poster  Poster
	economy *economy.Engine
	runtime IdleStopper
	client  *bus.Client
	cfg     config.SchedulerConfig

	nextPay   *time.Time
	nextReset *time.Time
	reloadCh  chan struct{}
}

func New(s *store.Store, poster Poster, eco *economy.Engine, rt IdleStopper, client *bus.Client, cfg config.SchedulerConfig) *Scheduler {
	sched := &Scheduler{
		store:    s,
		poster:   poster,
		economy:  eco,
		runtime:  rt,
		client:   client,
		cfg:      cfg,
		reloadCh: make(chan struct{}, 1),
	}
	sched.armCycles()
	return sched
}

// SeedStandups upserts the configured standups as scheduled posts. IDs
// derive from the channel, so a config edit replaces the post instead of
// piling up duplicates.
func (s *Scheduler) SeedStandups() error {
	for _, def := range s.cfg.Standups {
		ch, err := s.store.GetChannelByName(def.Channel)
		if err != nil {
			return err
		}
		if ch == nil {
			slog.Warn("standup channel not found, skipping", "channel", def.Channel)
			continue
		}

		normalized, err := schedule.Normalize(def.Schedule)
		if err != nil {
			return fmt.Errorf("standup for #%s: %w", def.Channel, err)
		}

		prompt := def.Prompt
		if prompt == "" {
			prompt = "@here Standup time. What did you finish, what are you working on, and what is blocking you?"
		}

		post := &store.ScheduledPost{
			ID:        "standup-" + ch.ID,
			ChannelID: ch.ID,
			Name:      def.Channel + " standup",
			Schedule:  normalized,
			Prompt:    prompt,
			Kind:      store.KindStandupRequest,
			NextRunAt: schedule.NextRun(normalized),
		}
		if err := s.store.SaveScheduledPost(post); err != nil {
			return err
		}
		slog.Info("standup scheduled", "channel", def.Channel, "schedule", schedule.Format(normalized))
	}
	return nil
}

// UpdateConfig swaps in a new scheduler section, re-arms the cycles, and
// resets the poll ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.cfg = cfg
	s.armCycles()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.cfg.PollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.cfg.PollInterval)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.firePosts(ctx)
	s.fireCycles()
	if s.runtime != nil {
		s.runtime.StopIdle(ctx)
	}
}

func (s *Scheduler) firePosts(ctx context.Context) {
	due, err := s.store.GetDueScheduledPosts(time.Now())
	if err != nil {
		slog.Error("failed to get due scheduled posts", "error", err)
		return
	}
	for i := range due {
		s.firePost(ctx, &due[i])
	}
}

func (s *Scheduler) firePost(ctx context.Context, post *store.ScheduledPost) {
	slog.Info("firing scheduled post", "id", post.ID, "name", post.Name, "channel", post.ChannelID)

	msg := &store.Message{
		ChannelID:  post.ChannelID,
		SenderID:   senderID,
		SenderKind: store.SenderHuman,
		Kind:       post.Kind,
		Content:    post.Prompt,
	}

	lastStatus := "success"
	var lastError string
	if err := s.poster.HandleInbound(ctx, msg); err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled post failed", "id", post.ID, "error", err)
	}

	nextRun := schedule.NextRun(post.Schedule)
	if err := s.store.UpdateScheduledPostRun(post.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update scheduled post", "id", post.ID, "error", err)
	}

	s.publishEvent("scheduled_post_fired", map[string]any{
		"id":         post.ID,
		"name":       post.Name,
		"channel_id": post.ChannelID,
		"status":     lastStatus,
	})

	// One-shots retire once they have no next firing.
	if nextRun == nil {
		post.Status = "completed"
		post.NextRunAt = nil
		if err := s.store.SaveScheduledPost(post); err != nil {
			slog.Error("failed to retire scheduled post", "id", post.ID, "error", err)
		}
	}
}

// armCycles computes the next pay and budget reset firings from the
// configured cron expressions. An empty expression disables the cycle.
func (s *Scheduler) armCycles() {
	s.nextPay = nextTick(s.cfg.PayCycle, "pay_cycle")
	s.nextReset = nextTick(s.cfg.BudgetReset, "budget_reset")
}

func (s *Scheduler) fireCycles() {
	if s.economy == nil {
		return
	}
	now := time.Now()

	if s.nextPay != nil && !now.Before(*s.nextPay) {
		if err := s.economy.PayCycle(); err != nil {
			slog.Error("pay cycle failed", "error", err)
		} else {
			s.publishEvent("pay_cycle", map[string]any{"schedule": s.cfg.PayCycle})
		}
		s.nextPay = nextTick(s.cfg.PayCycle, "pay_cycle")
	}

	if s.nextReset != nil && !now.Before(*s.nextReset) {
		if err := s.economy.ResetBudgets(); err != nil {
			slog.Error("budget reset failed", "error", err)
		} else {
			s.publishEvent("budget_reset", map[string]any{"schedule": s.cfg.BudgetReset})
		}
		s.nextReset = nextTick(s.cfg.BudgetReset, "budget_reset")
	}
}

func nextTick(expr, name string) *time.Time {
	if expr == "" {
		return nil
	}
	t, err := gronx.NextTick(expr, false)
	if err != nil {
		slog.Error("invalid cycle schedule", "cycle", name, "expr", expr, "error", err)
		return nil
	}
	return &t
}

func (s *Scheduler) publishEvent(eventType string, data map[string]any) {
	if s.client == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := s.client.PublishJSON(bus.TopicEventsScheduler, event); err != nil {
		slog.Debug("publish scheduler event failed", "error", err)
	}
}
