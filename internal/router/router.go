package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// ErrUnrouted is returned when resolution produces an empty plan: nobody
// eligible was mentioned, no coordinator could take the message, or every
// candidate was excluded by pause state.
var ErrUnrouted = errors.New("no eligible recipient")

// Dispatch modes. Exclusive targets get the message alone; broadcast
// targets are one of several concurrent recipients.
const (
	ModeExclusive = "exclusive"
	ModeBroadcast = "broadcast"
)

// BroadcastToken addresses every active member of a channel when mentioned.
const BroadcastToken = "here"

type Target struct {
	AgentID string `json:"agent_id"`
	Mode    string `json:"mode"`
}

// Plan is the resolved set of recipients for one inbound message, in
// dispatch order.
type Plan struct {
	Targets []Target `json:"targets"`
}

func (p Plan) Empty() bool {
	return len(p.Targets) == 0
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ParseMentions extracts @name tokens from a message in order of
// appearance, deduplicated, lowercased. The broadcast token is included.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var mentions []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}

func hasBroadcast(mentions []string) bool {
	for _, m := range mentions {
		if m == BroadcastToken {
			return true
		}
	}
	return false
}

// withoutBroadcast strips the broadcast token, leaving the name tokens.
func withoutBroadcast(mentions []string) []string {
	var names []string
	for _, m := range mentions {
		if m == BroadcastToken {
			continue
		}
		names = append(names, m)
	}
	return names
}

type Router struct {
	roster *roster.Roster
}

func New(reg *roster.Roster) *Router {
	return &Router{roster: reg}
}

// Resolve computes the dispatch plan for one message in a channel.
// Precedence: standup requests and @here broadcast to every active member;
// mention tokens produce exclusive targets for the eligible agents they
// name; otherwise the sole active member (1:1 mode) or the channel
// coordinator takes the message. The caller filters system traffic before
// resolving; an agent is never a recipient of its own message.
func (r *Router) Resolve(msg *store.Message, ch *store.Channel, members []store.Member) (Plan, error) {
	mentions := msg.Mentions
	if len(mentions) == 0 {
		mentions = ParseMentions(msg.Content)
	}

	active, err := r.activeMembers(members)
	if err != nil {
		return Plan{}, err
	}

	sender := ""
	if msg.SenderKind == store.SenderAgent {
		sender = msg.SenderID
	}

	// Standup requests and the broadcast token address the whole channel.
	if msg.Kind == store.KindStandupRequest || hasBroadcast(mentions) {
		var plan Plan
		for _, id := range active {
			if id == sender {
				continue
			}
			plan.Targets = append(plan.Targets, Target{AgentID: id, Mode: ModeBroadcast})
		}
		if plan.Empty() {
			return Plan{}, ErrUnrouted
		}
		return plan, nil
	}

	// Mention tokens claim the message. Mentions of unknown names, or of
	// agents excluded by pause or termination, are dropped without
	// comment; a mention set that empties out leaves the message unrouted
	// rather than falling through to the coordinator.
	if names := withoutBroadcast(mentions); len(names) > 0 {
		named, err := r.namedMentions(names)
		if err != nil {
			return Plan{}, err
		}
		activeSet := make(map[string]bool, len(active))
		for _, id := range active {
			activeSet[id] = true
		}
		var plan Plan
		for _, id := range named {
			if id == sender || !activeSet[id] {
				continue
			}
			plan.Targets = append(plan.Targets, Target{AgentID: id, Mode: ModeExclusive})
		}
		if plan.Empty() {
			return Plan{}, ErrUnrouted
		}
		return plan, nil
	}

	// 1:1 mode: a channel with exactly one active member behaves like a
	// direct conversation with that member.
	if len(active) == 1 {
		if active[0] == sender {
			return Plan{}, ErrUnrouted
		}
		return Plan{Targets: []Target{{AgentID: active[0], Mode: ModeExclusive}}}, nil
	}

	// Everything else goes to the channel coordinator.
	coordinator := ch.Coordinator
	if coordinator == "" {
		coordinator = r.roster.Coordinator()
	}
	if coordinator != "" && coordinator != sender {
		for _, id := range active {
			if id == coordinator {
				return Plan{Targets: []Target{{AgentID: id, Mode: ModeExclusive}}}, nil
			}
		}
	}

	return Plan{}, ErrUnrouted
}

// activeMembers returns the agent IDs that may receive messages in this
// channel, in membership order: unpaused members whose agent is active.
func (r *Router) activeMembers(members []store.Member) ([]string, error) {
	var active []string
	for _, m := range members {
		if m.Paused {
			continue
		}
		a, err := r.roster.Get(m.AgentID)
		if err != nil {
			return nil, fmt.Errorf("resolve member %s: %w", m.AgentID, err)
		}
		if a == nil || a.Status != store.AgentActive {
			continue
		}
		active = append(active, m.AgentID)
	}
	return active, nil
}

// namedMentions filters mention tokens down to roster agents. Names that
// resolve to nobody are dropped.
func (r *Router) namedMentions(names []string) ([]string, error) {
	var named []string
	for _, name := range names {
		a, err := r.roster.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("resolve mention %s: %w", name, err)
		}
		if a == nil {
			continue
		}
		named = append(named, a.ID)
	}
	return named, nil
}
