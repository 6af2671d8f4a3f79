package runtime

import "testing"

func TestAgentPromptFoldsLearnings(t *testing.T) {
	base := "You are the reviewer."

	if got := agentPrompt(base, ""); got != base {
		t.Errorf("empty learnings altered the prompt: %q", got)
	}
	if got := agentPrompt(base, "  \n"); got != base {
		t.Errorf("blank learnings altered the prompt: %q", got)
	}

	got := agentPrompt(base, "ship smaller diffs")
	want := "You are the reviewer.\n\n## Learnings\nship smaller diffs"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if got := agentPrompt("", "ask first"); got != "## Learnings\nask first" {
		t.Errorf("prompt without a base charter: %q", got)
	}
}
