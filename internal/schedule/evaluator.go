// Package schedule decides whether a calendar-driven backup cycle is due.
// The evaluator is pure: it compares the configured schedule against the
// previous check time and the current clock, so it is fully testable with a
// simulated clock.
package schedule

import (
	"sort"
	"strconv"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/settings"
)

// Cycle sources reported by the evaluator.
const (
	SourceWeekly  = "weekly"
	SourceMonthly = "monthly"
	SourceNone    = ""
)

// LastDayKey is the monthly schedule key matching the final day of any month.
const LastDayKey = "Last day"

// clockJumpTolerance is the window beyond which the gap between checks is
// treated as a clock jump rather than a normal tick.
const clockJumpTolerance = 5 * time.Minute

// Match is one schedule entry that became due between two checks.
type Match struct {
	At     time.Time
	Source string
}

// Evaluate reports whether a cycle is due between lastCheck and now.
// A cycle is never due while one is already in progress; missed triggers are
// collapsed into a single firing and are not replayed later.
func Evaluate(sched settings.Schedule, lastCheck, now time.Time, inProgress bool) (bool, string) {
	if inProgress {
		return false, SourceNone
	}

	matches := DueMatches(sched, lastCheck, now)
	if len(matches) == 0 {
		return false, SourceNone
	}
	return true, matches[0].Source
}

// DueMatches returns every schedule entry with a time-of-day T such that
// lastCheck < T <= now, walking each calendar day the window covers. A
// backward clock jump produces an empty window, so a just-completed time is
// never re-fired.
func DueMatches(sched settings.Schedule, lastCheck, now time.Time) []Match {
	if !now.After(lastCheck) {
		return nil
	}

	var matches []Match
	for day := startOfDay(lastCheck); !day.After(startOfDay(now)); day = day.AddDate(0, 0, 1) {
		for _, entry := range entriesForDay(sched, day) {
			at := time.Date(day.Year(), day.Month(), day.Day(),
				entry.hour, entry.minute, 0, 0, now.Location())
			if at.After(lastCheck) && !at.After(now) {
				matches = append(matches, Match{At: at, Source: entry.source})
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].At.Before(matches[j].At) })
	return matches
}

type dayEntry struct {
	hour, minute int
	source       string
}

func entriesForDay(sched settings.Schedule, day time.Time) []dayEntry {
	var entries []dayEntry

	for _, t := range sched.Weekly[day.Weekday().String()] {
		if h, m, ok := parseHHMM(t); ok {
			entries = append(entries, dayEntry{h, m, SourceWeekly})
		}
	}

	for _, t := range sched.Monthly[strconv.Itoa(day.Day())] {
		if h, m, ok := parseHHMM(t); ok {
			entries = append(entries, dayEntry{h, m, SourceMonthly})
		}
	}

	if isLastDayOfMonth(day) {
		for _, t := range sched.Monthly[LastDayKey] {
			if h, m, ok := parseHHMM(t); ok {
				entries = append(entries, dayEntry{h, m, SourceMonthly})
			}
		}
	}

	return entries
}

func parseHHMM(s string) (hour, minute int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isLastDayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Day() == 1
}

// IsClockJump reports whether the gap between checks exceeds the normal tick
// tolerance in either direction.
func IsClockJump(lastCheck, now time.Time) bool {
	gap := now.Sub(lastCheck)
	if gap < 0 {
		gap = -gap
	}
	return gap > clockJumpTolerance
}
