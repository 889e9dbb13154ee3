package recurring

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronInterval fires on a 5-field (minute hour dom month dow) or
// 6-field (leading seconds) cron expression, evaluated in UTC.
type CronInterval struct {
	Expr     string
	schedule cron.Schedule
}

// NewCronInterval parses the expression once and reuses the schedule.
func NewCronInterval(expr string) (*CronInterval, error) {
	schedule, err := parseCron(expr)
	if err != nil {
		return nil, err
	}
	return &CronInterval{Expr: expr, schedule: schedule}, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	fields := len(strings.Fields(expr))
	var parser cron.Parser
	switch fields {
	case 6:
		parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	case 5:
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	default:
		return nil, fmt.Errorf("cron expression %q must have 5 or 6 fields, got %d", expr, fields)
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Next returns the next UTC instant matching the expression.
func (c *CronInterval) Next(current time.Time) time.Time {
	if c.schedule == nil {
		// tolerate a zero-value interval; treated as never matching
		return time.Time{}
	}
	return c.schedule.Next(current.UTC()).UTC()
}

// Every approximates the period as the gap between the next two
// occurrences, so the lazy-materialisation decision has something to
// compare against.
func (c *CronInterval) Every() time.Duration {
	if c.schedule == nil {
		return 0
	}
	now := time.Now().UTC()
	first := c.schedule.Next(now)
	second := c.schedule.Next(first)
	return second.Sub(first)
}

// Describe renders the cadence.
func (c *CronInterval) Describe() string {
	return fmt.Sprintf("cron %q", c.Expr)
}

// MarshalJSON persists only the expression; the schedule is re-parsed
// on load.
func (c *CronInterval) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Expr string `json:"expr"`
	}{Expr: c.Expr})
}

// UnmarshalJSON re-parses the stored expression.
func (c *CronInterval) UnmarshalJSON(data []byte) error {
	var raw struct {
		Expr string `json:"expr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	schedule, err := parseCron(raw.Expr)
	if err != nil {
		return err
	}
	c.Expr = raw.Expr
	c.schedule = schedule
	return nil
}
