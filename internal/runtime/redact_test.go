package runtime

import (
	"strings"
	"testing"
)

func TestScrubExactMatch(t *testing.T) {
	content := "the token is sk-abc12345 and nothing else"
	got := scrub(content, "sk-abc12345", "api_key", "alice")
	if strings.Contains(got, "sk-abc12345") {
		t.Fatalf("secret survived: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Fatalf("expected placeholder in %q", got)
	}
}

func TestScrubMultipleOccurrences(t *testing.T) {
	content := "first: topsecret99, second: topsecret99"
	got := scrub(content, "topsecret99", "token", "alice")
	if strings.Contains(got, "topsecret99") {
		t.Fatalf("secret survived: %q", got)
	}
	if strings.Count(got, "[REDACTED]") != 2 {
		t.Fatalf("expected both occurrences replaced: %q", got)
	}
}

func TestScrubFoldedWhitespace(t *testing.T) {
	// Secret stored as compact JSON, agent pretty-prints it
	secret := `{"user":"svc","pass":"hunter2hunter2"}`
	content := "config dump:\n{\"user\":\"svc\",\n  \"pass\":\"hunter2hunter2\"}\ndone"
	got := scrub(content, secret, "svc_creds", "alice")
	if strings.Contains(got, "hunter2hunter2") {
		t.Fatalf("reformatted secret survived: %q", got)
	}
	if !strings.Contains(got, "done") {
		t.Fatalf("surrounding text lost: %q", got)
	}
}

func TestScrubNoMatchLeavesContent(t *testing.T) {
	content := "nothing sensitive here"
	got := scrub(content, "some-long-secret", "token", "alice")
	if got != content {
		t.Fatalf("content changed without a match: %q", got)
	}
}

func TestFoldSpace(t *testing.T) {
	got := foldSpace("a\t b\n\nc")
	if got != "a b c" {
		t.Fatalf("got %q", got)
	}
}
