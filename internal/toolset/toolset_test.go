package toolset

import "testing"

func TestParseEmpty(t *testing.T) {
	for _, data := range []string{"", "{}"} {
		ts, err := Parse(data)
		if err != nil {
			t.Fatalf("parse %q: %v", data, err)
		}
		if !ts.IsEmpty() {
			t.Errorf("expected empty toolset for %q", data)
		}
	}
}

func TestEffectiveTools(t *testing.T) {
	ts := &Toolset{
		Allow: []string{"exec", "query_docs"},
		Deny:  []string{"web_search"},
	}
	tools := ts.EffectiveTools("reviewer")

	has := make(map[string]bool, len(tools))
	for _, name := range tools {
		has[name] = true
	}
	if !has["read_file"] {
		t.Error("expected role default read_file")
	}
	if !has["complete_task"] {
		t.Error("expected role default complete_task")
	}
	if !has["exec"] || !has["query_docs"] {
		t.Errorf("expected extra allows, got %v", tools)
	}
	if has["web_search"] {
		t.Error("deny list should drop web_search")
	}

	// No duplicates even when allow repeats a default
	ts2 := &Toolset{Allow: []string{"read_file"}}
	tools2 := ts2.EffectiveTools("reviewer")
	count := 0
	for _, name := range tools2 {
		if name == "read_file" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected read_file once, got %d", count)
	}
}

func TestValidate(t *testing.T) {
	bad := []Toolset{
		{Allow: []string{"-bad"}},
		{Servers: map[string]ServerConfig{"x": {Type: "carrier-pigeon"}}},
		{Servers: map[string]ServerConfig{"x": {Type: "stdio"}}},
		{Servers: map[string]ServerConfig{"x": {Type: "http"}}},
	}
	for i, ts := range bad {
		if err := ts.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	good := Toolset{
		Allow: []string{"exec"},
		Servers: map[string]ServerConfig{
			"search": {Type: "http", URL: "http://localhost:9200"},
			"git":    {Type: "stdio", Command: "git-tool"},
		},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestResolveSecretRefs(t *testing.T) {
	ts := &Toolset{
		Servers: map[string]ServerConfig{
			"search": {
				Type:    "http",
				URL:     "http://localhost:9200",
				Headers: map[string]string{"Authorization": "secret:search-token"},
			},
			"git": {
				Type:    "stdio",
				Command: "git-tool",
				Env:     map[string]string{"GIT_TOKEN": "secret:git-token", "PLAIN": "value"},
			},
		},
	}

	err := ts.ResolveSecretRefs(func(name string) (string, error) {
		return "resolved-" + name, nil
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := ts.Servers["search"].Headers["Authorization"]; got != "resolved-search-token" {
		t.Errorf("expected resolved header, got %q", got)
	}
	if got := ts.Servers["git"].Env["GIT_TOKEN"]; got != "resolved-git-token" {
		t.Errorf("expected resolved env, got %q", got)
	}
	if got := ts.Servers["git"].Env["PLAIN"]; got != "value" {
		t.Errorf("plain value should be untouched, got %q", got)
	}
}
