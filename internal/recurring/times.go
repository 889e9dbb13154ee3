// Package recurring implements the cadence model for repeating tasks:
// second/minute/hour/day/week/month intervals, cron expressions, run
// bounds, and the next-occurrence algebra the scheduler relies on.
package recurring

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimeOnly is a time-of-day in UTC, independent of any date.
type TimeOnly struct {
	Hour   int
	Minute int
	Second int
}

// NewTimeOnly builds a TimeOnly, wrapping out-of-range components into
// the valid clock range.
func NewTimeOnly(hour, minute, second int) TimeOnly {
	total := ((hour*3600+minute*60+second)%86400 + 86400) % 86400
	return TimeOnly{Hour: total / 3600, Minute: (total % 3600) / 60, Second: total % 60}
}

// TimeOnlyOf extracts the UTC clock reading of an instant.
func TimeOnlyOf(t time.Time) TimeOnly {
	u := t.UTC()
	return TimeOnly{Hour: u.Hour(), Minute: u.Minute(), Second: u.Second()}
}

// seconds returns the clock reading as seconds since midnight.
func (t TimeOnly) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before reports whether t reads earlier on the clock than other.
func (t TimeOnly) Before(other TimeOnly) bool {
	return t.seconds() < other.seconds()
}

// After reports whether t reads later on the clock than other.
func (t TimeOnly) After(other TimeOnly) bool {
	return t.seconds() > other.seconds()
}

// On places the clock reading onto the date of the given instant, in UTC.
func (t TimeOnly) On(day time.Time) time.Time {
	u := day.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), t.Hour, t.Minute, t.Second, 0, time.UTC)
}

// String renders the canonical HH:MM:SS form.
func (t TimeOnly) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// MarshalJSON encodes the canonical HH:MM:SS form.
func (t TimeOnly) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the canonical HH:MM:SS form.
func (t *TimeOnly) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	*t = NewTimeOnly(h, m, sec)
	return nil
}

// NormalizeTimes deduplicates and sorts a time-of-day list ascending.
// Every onTimes setter funnels through here, so consumers may rely on
// sorted, duplicate-free order regardless of insertion order.
func NormalizeTimes(times []TimeOnly) []TimeOnly {
	if len(times) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(times))
	out := make([]TimeOnly, 0, len(times))
	for _, t := range times {
		t = NewTimeOnly(t.Hour, t.Minute, t.Second)
		if _, ok := seen[t.seconds()]; ok {
			continue
		}
		seen[t.seconds()] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seconds() < out[j].seconds() })
	return out
}

// nextTimeOfDay returns the smallest entry strictly later on the clock
// than the instant's own reading. The list must already be normalized.
func nextTimeOfDay(times []TimeOnly, at time.Time) (TimeOnly, bool) {
	cur := TimeOnlyOf(at)
	for _, t := range times {
		if t.After(cur) {
			return t, true
		}
	}
	return TimeOnly{}, false
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func monthIn(months []time.Month, m time.Month) bool {
	for _, mo := range months {
		if mo == m {
			return true
		}
	}
	return false
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// addMonthsClamped advances by n calendar months keeping the day of
// month, clamping into shorter months (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, n int) time.Time {
	u := t.UTC()
	first := time.Date(u.Year(), u.Month(), 1, u.Hour(), u.Minute(), u.Second(), 0, time.UTC).AddDate(0, n, 0)
	day := u.Day()
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, u.Hour(), u.Minute(), u.Second(), 0, time.UTC)
}

// firstWeekdayOf returns the first occurrence of the weekday in the
// given month, at midnight UTC.
func firstWeekdayOf(year int, month time.Month, weekday time.Weekday) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset)
}
