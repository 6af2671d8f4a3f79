package toolset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Toolset is the per-agent tool policy handed to a worker container: which
// built-in tools the role may use plus any extra tool servers.
type Toolset struct {
	Allow    []string                `json:"allow,omitempty"`
	Deny     []string                `json:"deny,omitempty"`
	Servers  map[string]ServerConfig `json:"servers,omitempty"`
	Settings map[string]any          `json:"settings,omitempty"`
}

// ServerConfig defines an external tool server (stdio or http).
type ServerConfig struct {
	Type    string            `json:"type"`              // "stdio", "http"
	Command string            `json:"command,omitempty"` // for stdio
	Args    []string          `json:"args,omitempty"`    // for stdio
	URL     string            `json:"url,omitempty"`     // for http
	Env     map[string]string `json:"env,omitempty"`     // for stdio
	Headers map[string]string `json:"headers,omitempty"` // for http
}

// roleDefaults maps each role to its baseline tool allowlist.
var roleDefaults = map[string][]string{
	"coordinator": {"delegate", "message", "log_update", "create_task", "complete_task"},
	"planner": {
		"create_doc", "edit_doc", "query_docs", "create_task",
		"read_file", "list_dir", "log_update",
	},
	"developer": {
		"read_file", "write_file", "edit_file", "list_dir", "exec",
		"web_search", "web_fetch", "log_update",
	},
	"reviewer": {
		"read_file", "list_dir", "web_search", "web_fetch",
		"complete_task", "log_update",
	},
	"researcher": {
		"read_file", "list_dir", "web_search", "web_fetch",
		"query_docs", "log_update",
	},
	"documenter": {
		"create_doc", "edit_doc", "query_docs", "read_file",
		"list_dir", "log_update",
	},
}

// RoleDefaults returns a copy of the baseline allowlist for a role.
func RoleDefaults(role string) []string {
	defaults := roleDefaults[role]
	out := make([]string, len(defaults))
	copy(out, defaults)
	return out
}

// EffectiveTools merges the role baseline with the toolset's allow/deny
// lists. Order is baseline then extra allows; deny wins over everything.
func (t *Toolset) EffectiveTools(role string) []string {
	denied := make(map[string]bool, len(t.Deny))
	for _, name := range t.Deny {
		denied[name] = true
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name == "" || denied[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, name := range roleDefaults[role] {
		add(name)
	}
	for _, name := range t.Allow {
		add(name)
	}
	return out
}

// IsEmpty returns true if no policy is configured.
func (t *Toolset) IsEmpty() bool {
	return len(t.Allow) == 0 && len(t.Deny) == 0 && len(t.Servers) == 0 && len(t.Settings) == 0
}

var (
	validServerTypes = map[string]bool{"stdio": true, "http": true}
	toolNameRegexp   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

// Validate checks the toolset for correctness.
func (t *Toolset) Validate() error {
	for _, name := range t.Allow {
		if !toolNameRegexp.MatchString(name) {
			return fmt.Errorf("tool %q: name must be alphanumeric with hyphens/underscores", name)
		}
	}
	for _, name := range t.Deny {
		if !toolNameRegexp.MatchString(name) {
			return fmt.Errorf("tool %q: name must be alphanumeric with hyphens/underscores", name)
		}
	}

	for name, srv := range t.Servers {
		if !toolNameRegexp.MatchString(name) {
			return fmt.Errorf("tool server %q: name must be alphanumeric with hyphens/underscores", name)
		}
		if !validServerTypes[srv.Type] {
			return fmt.Errorf("tool server %q: invalid type %q (must be stdio or http)", name, srv.Type)
		}
		if srv.Type == "stdio" && srv.Command == "" {
			return fmt.Errorf("tool server %q: stdio type requires command", name)
		}
		if srv.Type == "http" && srv.URL == "" {
			return fmt.Errorf("tool server %q: http type requires url", name)
		}
	}

	return nil
}

// Parse parses a JSON string into a Toolset.
func Parse(data string) (*Toolset, error) {
	if data == "" || data == "{}" {
		return &Toolset{}, nil
	}
	var ts Toolset
	if err := json.Unmarshal([]byte(data), &ts); err != nil {
		return nil, fmt.Errorf("parse toolset: %w", err)
	}
	return &ts, nil
}

// ResolveSecretRefs resolves secret:name references in server env and
// header values using the provided resolver function.
func (t *Toolset) ResolveSecretRefs(resolve func(name string) (string, error)) error {
	for srvName, srv := range t.Servers {
		for k, v := range srv.Env {
			if secretName, ok := strings.CutPrefix(v, "secret:"); ok {
				val, err := resolve(secretName)
				if err != nil {
					return fmt.Errorf("tool server %q env %q: %w", srvName, k, err)
				}
				srv.Env[k] = val
			}
		}
		for k, v := range srv.Headers {
			if secretName, ok := strings.CutPrefix(v, "secret:"); ok {
				val, err := resolve(secretName)
				if err != nil {
					return fmt.Errorf("tool server %q header %q: %w", srvName, k, err)
				}
				srv.Headers[k] = val
			}
		}
		t.Servers[srvName] = srv
	}
	return nil
}
