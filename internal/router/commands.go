package router

import "strings"

// Recognized command names. Anything else with a leading slash is treated
// as ordinary chat.
const (
	CmdPauseAllExcept = "pause-all-except"
	CmdUnpauseAll     = "unpause-all"
	CmdStartPipeline  = "start-pipeline"
)

type Command struct {
	Name string
	Args []string
}

// ParseCommand recognizes slash commands. It only decides whether the
// message is a command; argument validation is the executor's job.
func ParseCommand(content string) (*Command, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(trimmed, "/"))
	if len(fields) == 0 {
		return nil, false
	}

	name := strings.ToLower(fields[0])
	switch name {
	case CmdPauseAllExcept, CmdUnpauseAll, CmdStartPipeline:
		return &Command{Name: name, Args: fields[1:]}, true
	default:
		return nil, false
	}
}
