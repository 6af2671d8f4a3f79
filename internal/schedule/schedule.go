// Package schedule parses and evaluates the schedule values carried by
// scheduled posts. A schedule is stored as JSON: a kind plus the one field
// that kind needs.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // if kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // if kind=once
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns the next time the schedule fires, or nil when it never
// fires again. Unparseable values also return nil; the caller treats that
// as an exhausted schedule.
func NextRun(raw string) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.Next()
}

func (s *Schedule) Next() *time.Time {
	now := time.Now()
	var next time.Time

	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTick(s.CronExpr, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}

	return &next
}

func (s *Schedule) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Normalize accepts either a schedule JSON value or a bare cron expression
// and returns the canonical JSON form. Bare cron is the common case in
// config files.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	data, err := json.Marshal(Schedule{Kind: KindCron, CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Format renders a schedule value for humans. Unparseable input comes back
// unchanged.
func Format(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			h := int(d.Hours())
			if h == 1 {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", h)
		case d%time.Minute == 0:
			m := int(d.Minutes())
			if m == 1 {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", m)
		default:
			return fmt.Sprintf("every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return raw
	}
}
