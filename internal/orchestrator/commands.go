package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/bullpen/internal/router"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// runCommand executes an operator slash command. Commands act on the
// channel they were posted in and answer with a system notice either way.
func (o *Orchestrator) runCommand(ctx context.Context, ch *store.Channel, msg *store.Message, cmd *router.Command) error {
	slog.Info("command received", "channel", ch.ID, "command", cmd.Name, "sender", msg.SenderID)

	switch cmd.Name {
	case router.CmdPauseAllExcept:
		return o.cmdPauseAllExcept(ch, cmd.Args)
	case router.CmdUnpauseAll:
		return o.cmdUnpauseAll(ch)
	case router.CmdStartPipeline:
		return o.cmdStartPipeline(ctx, ch, msg, cmd.Args)
	}
	return nil
}

func (o *Orchestrator) cmdPauseAllExcept(ch *store.Channel, args []string) error {
	if len(args) != 1 {
		o.systemNotice(ch.ID, "Usage: /pause-all-except <agent>")
		return nil
	}

	a, err := o.roster.Resolve(args[0])
	if err != nil {
		return fmt.Errorf("resolve agent: %w", err)
	}
	if a == nil {
		o.systemNotice(ch.ID, fmt.Sprintf("Unknown agent %q.", args[0]))
		return nil
	}

	member, err := o.store.GetMember(ch.ID, a.ID)
	if err != nil {
		return fmt.Errorf("get member: %w", err)
	}
	if member == nil {
		o.systemNotice(ch.ID, fmt.Sprintf("%s is not a member of #%s.", a.ID, ch.Name))
		return nil
	}

	if err := o.store.PauseAllMembersExcept(ch.ID, a.ID); err != nil {
		return fmt.Errorf("pause members: %w", err)
	}
	o.systemNotice(ch.ID, fmt.Sprintf("Paused everyone in #%s except %s.", ch.Name, a.ID))
	return nil
}

func (o *Orchestrator) cmdUnpauseAll(ch *store.Channel) error {
	if err := o.store.UnpauseAllMembers(ch.ID); err != nil {
		return fmt.Errorf("unpause members: %w", err)
	}
	o.systemNotice(ch.ID, fmt.Sprintf("Unpaused everyone in #%s.", ch.Name))
	return nil
}

func (o *Orchestrator) cmdStartPipeline(ctx context.Context, ch *store.Channel, msg *store.Message, args []string) error {
	if o.pipelines == nil {
		o.systemNotice(ch.ID, "Pipelines are not configured.")
		return nil
	}
	if len(args) < 1 {
		names := o.pipelines.Names()
		if len(names) == 0 {
			o.systemNotice(ch.ID, "Usage: /start-pipeline <name> [task]. No pipelines are defined.")
		} else {
			o.systemNotice(ch.ID, fmt.Sprintf("Usage: /start-pipeline <name> [task]. Available: %s.", strings.Join(names, ", ")))
		}
		return nil
	}

	name := args[0]
	task := strings.Join(args[1:], " ")

	runID, err := o.pipelines.Start(ctx, name, ch.ID, msg.SenderID, task)
	if err != nil {
		o.systemNotice(ch.ID, fmt.Sprintf("Could not start pipeline %s: %v", name, err))
		return nil
	}
	o.systemNotice(ch.ID, fmt.Sprintf("Pipeline %s started (run %s).", name, runID))
	return nil
}
