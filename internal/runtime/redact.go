package runtime

import (
	"log/slog"
	"strings"
)

// minSecretLen avoids false positives on short values; anything shorter is
// never scrubbed.
const minSecretLen = 8

// redact replaces plaintext secret values in agent output with [REDACTED].
// This is a hard barrier at the point where text leaves a container, so a
// leak cannot depend on model behavior. Both the agent's vault secrets and
// the credentials injected into every container are checked.
func (e *Engine) redact(agentID, content string) string {
	if e.vault != nil {
		secrets, err := e.store.GetAgentSecrets(agentID)
		if err != nil {
			slog.Warn("failed to load secrets for redaction", "agent", agentID, "error", err)
		}
		for _, sec := range secrets {
			plaintext, err := e.vault.Decrypt(sec.Value, sec.Nonce)
			if err != nil || len(plaintext) < minSecretLen {
				continue
			}
			content = scrub(content, string(plaintext), sec.Name, agentID)
		}
	}

	for _, v := range []string{e.cfg.OAuthToken, e.cfg.AnthropicAPIKey} {
		if len(v) >= minSecretLen && strings.Contains(content, v) {
			slog.Warn("redacted credential from agent output", "agent", agentID)
			content = strings.ReplaceAll(content, v, "[REDACTED]")
		}
	}

	return content
}

// scrub removes one secret value from content. Exact matches are replaced
// first; a whitespace-folded pass catches values the agent reformatted,
// such as compact JSON printed pretty.
func scrub(content, value, label, agentID string) string {
	if strings.Contains(content, value) {
		slog.Warn("redacted secret from agent output", "agent", agentID, "secret", label)
		return strings.ReplaceAll(content, value, "[REDACTED]")
	}

	folded := foldSpace(strings.TrimSpace(value))
	if len(folded) < minSecretLen {
		return content
	}

	// Walk the original content and replace every region whose folded form
	// matches the folded value.
	var b strings.Builder
	replaced := false
	i := 0
	for i < len(content) {
		if end := foldedMatchEnd(content, i, folded); end >= 0 {
			b.WriteString("[REDACTED]")
			replaced = true
			i = end
		} else {
			b.WriteByte(content[i])
			i++
		}
	}
	if !replaced {
		return content
	}
	slog.Warn("redacted secret from agent output (folded)", "agent", agentID, "secret", label)
	return b.String()
}

// foldedMatchEnd reports where a match of folded starting at pos in content
// ends, or -1. It advances both strings in lockstep, treating any run of
// whitespace on either side as a single space.
func foldedMatchEnd(content string, pos int, folded string) int {
	ci, fi := pos, 0
	for ci < len(content) && fi < len(folded) {
		cb, fb := content[ci], folded[fi]
		switch {
		case isSpace(cb) && isSpace(fb):
			for ci < len(content) && isSpace(content[ci]) {
				ci++
			}
			for fi < len(folded) && isSpace(folded[fi]) {
				fi++
			}
		case cb == fb:
			ci++
			fi++
		case isSpace(cb):
			// Whitespace in content that folding dropped
			ci++
		default:
			return -1
		}
	}
	for fi < len(folded) && isSpace(folded[fi]) {
		fi++
	}
	if fi == len(folded) {
		return ci
	}
	return -1
}

func foldSpace(s string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
		} else {
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
