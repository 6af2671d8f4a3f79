package schedule

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind %q, got %q", KindCron, s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got %q", s.CronExpr)
	}
}

func TestParseInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval {
		t.Errorf("expected kind %q, got %q", KindInterval, s.Kind)
	}
	if s.IntervalMs != 60000 {
		t.Errorf("expected interval_ms 60000, got %d", s.IntervalMs)
	}
}

func TestNextRunCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"* * * * *"}`)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if next.Before(time.Now()) {
		t.Error("expected next run in the future")
	}
}

func TestNextRunInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	expected := time.Now().Add(60 * time.Second)
	diff := next.Sub(expected)
	if diff > time.Second || diff < -time.Second {
		t.Errorf("expected next run ~60s from now, got diff %v", diff)
	}
}

func TestNextRunOnce(t *testing.T) {
	future := time.Now().Add(1 * time.Hour).UnixMilli()
	next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future))
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}

	// A one-shot in the past never fires again.
	past := time.Now().Add(-1 * time.Hour).UnixMilli()
	next = NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past))
	if next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun(`invalid json`); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"unknown"}`); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalizePlainCron(t *testing.T) {
	result, err := Normalize("0 9 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	for _, input := range []string{
		`{"kind":"cron","cron_expr":"0 9 * * *"}`,
		`{"kind":"interval","interval_ms":300000}`,
	} {
		result, err := Normalize(input)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", input, err)
		}
		if result != input {
			t.Errorf("expected passthrough, got %q", result)
		}
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, input := range []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-5}`,
		`{"kind":"bogus"}`,
	} {
		if _, err := Normalize(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestNormalizeTrimsWhitespace(t *testing.T) {
	result, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.CronExpr != "*/5 * * * *" {
		t.Errorf("expected trimmed cron, got %q", s.CronExpr)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"kind":"cron","cron_expr":"0 9 * * *"}`, "0 9 * * *"},
		{`{"kind":"interval","interval_ms":3600000}`, "every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "every 2 hours"},
		{`{"kind":"interval","interval_ms":300000}`, "every 5 minutes"},
		{`{"kind":"interval","interval_ms":45000}`, "every 45 seconds"},
		{`not json`, "not json"},
	}
	for _, tc := range cases {
		if got := Format(tc.raw); got != tc.want {
			t.Errorf("Format(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestFormatOnce(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	raw := fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at.UnixMilli())
	got := Format(raw)
	if !strings.HasPrefix(got, "once at ") {
		t.Errorf("expected 'once at ...' form, got %q", got)
	}
	if !strings.Contains(got, "Mar 14") {
		t.Errorf("expected date in output, got %q", got)
	}
}
