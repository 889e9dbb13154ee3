package recurring

import (
	"fmt"
	"time"
)

// Interval computes the next occurrence of a cadence after an instant.
type Interval interface {
	// Next returns the next occurrence of the cadence after current.
	// How the step and the anchors combine is documented on each
	// variant. The returned instant is always UTC.
	Next(current time.Time) time.Time

	// Every returns the approximate period of the cadence, used by the
	// dispatcher to decide lazy handler materialisation.
	Every() time.Duration

	// Describe renders a short human-readable form for audit rows.
	Describe() string
}

// SecondInterval fires every N seconds.
type SecondInterval struct {
	N int `json:"n"`
}

// Next returns current + N seconds.
func (s *SecondInterval) Next(current time.Time) time.Time {
	return current.UTC().Add(time.Duration(s.step()) * time.Second)
}

// Every returns the cadence period.
func (s *SecondInterval) Every() time.Duration {
	return time.Duration(s.step()) * time.Second
}

// Describe renders the cadence.
func (s *SecondInterval) Describe() string {
	return fmt.Sprintf("every %d second(s)", s.step())
}

func (s *SecondInterval) step() int {
	if s.N < 1 {
		return 1
	}
	return s.N
}

// MinuteInterval fires every N minutes, optionally anchored to a second
// within the minute.
type MinuteInterval struct {
	N        int  `json:"n"`
	OnSecond *int `json:"onSecond,omitempty"`
}

// Next adds N minutes, then snaps up to the configured second anchor.
func (m *MinuteInterval) Next(current time.Time) time.Time {
	next := current.UTC().Add(time.Duration(m.step()) * time.Minute)
	if m.OnSecond != nil {
		anchored := next.Truncate(time.Minute).Add(time.Duration(*m.OnSecond) * time.Second)
		if anchored.Before(next) {
			anchored = anchored.Add(time.Minute)
		}
		next = anchored
	}
	return next
}

// Every returns the cadence period.
func (m *MinuteInterval) Every() time.Duration {
	return time.Duration(m.step()) * time.Minute
}

// Describe renders the cadence.
func (m *MinuteInterval) Describe() string {
	if m.OnSecond != nil {
		return fmt.Sprintf("every %d minute(s) on second %d", m.step(), *m.OnSecond)
	}
	return fmt.Sprintf("every %d minute(s)", m.step())
}

func (m *MinuteInterval) step() int {
	if m.N < 1 {
		return 1
	}
	return m.N
}

// HourInterval fires every N hours, optionally anchored to a minute and
// second within the hour.
type HourInterval struct {
	N        int  `json:"n"`
	OnMinute *int `json:"onMinute,omitempty"`
	OnSecond *int `json:"onSecond,omitempty"`
}

// Next adds N hours, then snaps up to the configured minute/second anchor.
func (h *HourInterval) Next(current time.Time) time.Time {
	next := current.UTC().Add(time.Duration(h.step()) * time.Hour)
	if h.OnMinute == nil && h.OnSecond == nil {
		return next
	}
	minute, second := 0, 0
	if h.OnMinute != nil {
		minute = *h.OnMinute
	}
	if h.OnSecond != nil {
		second = *h.OnSecond
	}
	anchored := next.Truncate(time.Hour).
		Add(time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
	if anchored.Before(next) {
		anchored = anchored.Add(time.Hour)
	}
	return anchored
}

// Every returns the cadence period.
func (h *HourInterval) Every() time.Duration {
	return time.Duration(h.step()) * time.Hour
}

// Describe renders the cadence.
func (h *HourInterval) Describe() string {
	if h.OnMinute != nil {
		return fmt.Sprintf("every %d hour(s) on minute %d", h.step(), *h.OnMinute)
	}
	return fmt.Sprintf("every %d hour(s)", h.step())
}

func (h *HourInterval) step() int {
	if h.N < 1 {
		return 1
	}
	return h.N
}
