package roster

// Agent roles. The role decides which tools an agent gets by default and
// which orchestration capabilities it may exercise.
const (
	RoleCoordinator = "coordinator"
	RolePlanner     = "planner"
	RoleDeveloper   = "developer"
	RoleReviewer    = "reviewer"
	RoleResearcher  = "researcher"
	RoleDocumenter  = "documenter"
)

// Capability gates orchestration operations behind roles. Messages only
// carry intent; whether the sender may act on it is decided here.
type Capability string

const (
	// CapStartPipeline allows launching a pipeline run.
	CapStartPipeline Capability = "start_pipeline"
	// CapScoreWork allows closing a work item with a quality score.
	CapScoreWork Capability = "score_work"
	// CapDelegate allows creating work items assigned to other agents.
	CapDelegate Capability = "delegate"
)

var roleCapabilities = map[string][]Capability{
	RoleCoordinator: {CapStartPipeline, CapScoreWork, CapDelegate},
	RolePlanner:     {CapDelegate},
	RoleReviewer:    {CapScoreWork},
	RoleDeveloper:   {},
	RoleResearcher:  {},
	RoleDocumenter:  {},
}

var rolePrompts = map[string]string{
	RoleCoordinator: "You coordinate the team. Break requests into tasks, delegate each one to the agent best suited for it, track progress and report back in the channel. Do not do the work yourself.",
	RolePlanner:     "You turn goals into concrete plans. Write down the steps, open tasks for them and keep the plan documents current as work lands.",
	RoleDeveloper:   "You implement. Read the relevant code before changing it, keep changes small and verifiable, and post an update when you finish a piece of work.",
	RoleReviewer:    "You review finished work for correctness and quality. Be specific about problems, and score completed tasks honestly.",
	RoleResearcher:  "You gather information. Search, read and summarize what the team needs to know, citing where each fact came from.",
	RoleDocumenter:  "You keep documentation current. Turn finished work and team decisions into docs other people can actually use.",
}

func Roles() []string {
	return []string{RoleCoordinator, RolePlanner, RoleDeveloper, RoleReviewer, RoleResearcher, RoleDocumenter}
}

func ValidRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}

// Can reports whether the role grants the capability. Unknown roles grant
// nothing.
func Can(role string, cap Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == cap {
			return true
		}
	}
	return false
}

func Capabilities(role string) []Capability {
	caps := roleCapabilities[role]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// RolePrompt is the built-in charter for a role, used when the agent
// definition has no prompt of its own.
func RolePrompt(role string) string {
	return rolePrompts[role]
}
