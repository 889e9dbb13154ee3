package recurring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// closeInTolerance is the window within which a run-now candidate and
// the interval's first tick are treated as the same firing, so a task
// does not double-fire when scheduling lag overlaps the first tick.
const closeInTolerance = time.Second

// ErrAmbiguousCadence is returned by Validate when more than one
// cadence variant is configured.
var ErrAmbiguousCadence = errors.New("recurring configuration carries more than one cadence variant")

// Recurring is the full configuration of a repeating task: exactly one
// cadence variant, optional first-run anchors, and run bounds.
type Recurring struct {
	// First-run anchors. At most one is honoured, in this order.
	RunNow          bool          `json:"runNow,omitempty"`
	SpecificRunTime *time.Time    `json:"specificRunTime,omitempty"`
	InitialDelay    time.Duration `json:"initialDelay,omitempty"`

	// Cadence variants; exactly one may be set.
	Second *SecondInterval `json:"second,omitempty"`
	Minute *MinuteInterval `json:"minute,omitempty"`
	Hour   *HourInterval   `json:"hour,omitempty"`
	Day    *DayInterval    `json:"day,omitempty"`
	Week   *WeekInterval   `json:"week,omitempty"`
	Month  *MonthInterval  `json:"month,omitempty"`
	Cron   *CronInterval   `json:"cron,omitempty"`

	// Bounds.
	MaxRuns  *int       `json:"maxRuns,omitempty"`
	RunUntil *time.Time `json:"runUntil,omitempty"`
}

// Interval returns the configured cadence variant, or nil when the task
// only carries first-run anchors.
func (r *Recurring) Interval() Interval {
	switch {
	case r.Second != nil:
		return r.Second
	case r.Minute != nil:
		return r.Minute
	case r.Hour != nil:
		return r.Hour
	case r.Day != nil:
		return r.Day
	case r.Week != nil:
		return r.Week
	case r.Month != nil:
		return r.Month
	case r.Cron != nil:
		return r.Cron
	}
	return nil
}

// Validate rejects configurations with more than one cadence variant.
func (r *Recurring) Validate() error {
	count := 0
	for _, set := range []bool{
		r.Second != nil, r.Minute != nil, r.Hour != nil,
		r.Day != nil, r.Week != nil, r.Month != nil, r.Cron != nil,
	} {
		if set {
			count++
		}
	}
	if count > 1 {
		return ErrAmbiguousCadence
	}
	return nil
}

// CalculateNextValidRun computes the next occurrence of the task.
//
// scheduled is the instant the previous run was scheduled for (nil on
// the first call); currentRun is the number of completed runs;
// reference is "now" and must be the same instant the caller used to
// derive any run-now decision, so millisecond drift cannot elide it.
//
// A nil result means the task has no further runs: bounds exhausted, or
// an anchored first run that already passed on a non-first run.
func (r *Recurring) CalculateNextValidRun(scheduled *time.Time, currentRun int, reference time.Time) *time.Time {
	reference = reference.UTC()

	if r.MaxRuns != nil && currentRun >= *r.MaxRuns {
		return nil
	}
	if r.RunUntil != nil && reference.After(r.RunUntil.UTC()) {
		return nil
	}

	interval := r.Interval()

	// First run: anchors decide.
	if currentRun == 0 {
		if base := r.firstRunBase(reference); base != nil {
			candidate := *base
			if r.RunNow && interval != nil {
				// If the first tick lands within the tolerance of the
				// run-now instant, prefer the tick over double-firing.
				first := interval.Next(reference)
				if diff := first.Sub(candidate); diff >= 0 && diff <= closeInTolerance {
					candidate = first
				}
			}
			return r.bounded(candidate, currentRun, reference)
		}
		if interval == nil {
			return nil
		}
		return r.bounded(interval.Next(reference), currentRun, reference)
	}

	// Subsequent runs: the interval drives, anchored on the later of
	// the previous schedule and now.
	if interval == nil {
		return nil
	}
	anchor := reference
	if scheduled != nil && scheduled.UTC().After(anchor) {
		anchor = scheduled.UTC()
	}
	return r.bounded(interval.Next(anchor), currentRun, reference)
}

// firstRunBase resolves the first-run anchor: run-now, the absolute
// instant, or the relative delay, in that precedence.
func (r *Recurring) firstRunBase(reference time.Time) *time.Time {
	switch {
	case r.RunNow:
		t := reference
		return &t
	case r.SpecificRunTime != nil:
		t := r.SpecificRunTime.UTC()
		return &t
	case r.InitialDelay > 0:
		t := reference.Add(r.InitialDelay)
		return &t
	}
	return nil
}

// bounded applies runUntil and the past-candidate rule: a past instant
// survives only on the first run, where the queue fires it immediately.
func (r *Recurring) bounded(candidate time.Time, currentRun int, reference time.Time) *time.Time {
	candidate = candidate.UTC()
	if r.RunUntil != nil && candidate.After(r.RunUntil.UTC()) {
		return nil
	}
	if currentRun > 0 && candidate.Before(reference) {
		return nil
	}
	return &candidate
}

// MinInterval returns the approximate cadence period, or zero when no
// cadence variant is configured.
func (r *Recurring) MinInterval() time.Duration {
	if interval := r.Interval(); interval != nil {
		return interval.Every()
	}
	return 0
}

// Describe renders the human-readable form stored alongside the task.
func (r *Recurring) Describe() string {
	var parts []string
	switch {
	case r.RunNow:
		parts = append(parts, "run now")
	case r.SpecificRunTime != nil:
		parts = append(parts, fmt.Sprintf("first run at %s", r.SpecificRunTime.UTC().Format(time.RFC3339)))
	case r.InitialDelay > 0:
		parts = append(parts, fmt.Sprintf("first run after %s", r.InitialDelay))
	}
	if interval := r.Interval(); interval != nil {
		parts = append(parts, interval.Describe())
	}
	if r.MaxRuns != nil {
		parts = append(parts, fmt.Sprintf("max %d run(s)", *r.MaxRuns))
	}
	if r.RunUntil != nil {
		parts = append(parts, fmt.Sprintf("until %s", r.RunUntil.UTC().Format(time.RFC3339)))
	}
	if len(parts) == 0 {
		return "one-shot"
	}
	return strings.Join(parts, ", ")
}

// Marshal serialises the configuration for the persisted row.
func Marshal(r *Recurring) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to serialise recurring configuration: %w", err)
	}
	return string(data), nil
}

// Parse deserialises a persisted configuration, re-parsing any cron
// expression.
func Parse(data string) (*Recurring, error) {
	if data == "" {
		return nil, nil
	}
	var r Recurring
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to parse recurring configuration: %w", err)
	}
	// onTimes sets are normalised on assignment; enforce the same
	// invariant on load so older rows cannot leak unsorted values.
	if r.Day != nil {
		r.Day.OnTimes = NormalizeTimes(r.Day.OnTimes)
	}
	if r.Week != nil {
		r.Week.OnTimes = NormalizeTimes(r.Week.OnTimes)
	}
	if r.Month != nil {
		r.Month.OnTimes = NormalizeTimes(r.Month.OnTimes)
	}
	return &r, nil
}
