package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

// ClockTime is a time of day in minutes since midnight. 24:00 is allowed as
// an end bound.
type ClockTime int

const EndOfDay ClockTime = 24 * 60

// ParseClock parses "HH:MM" with hour 0-23 and minute 0-59, or "24:00".
func ParseClock(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, errs.Validation("invalid time %q: expected HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, errs.Validation("invalid time %q: expected HH:MM", s)
	}
	if h == 24 && m == 0 {
		return EndOfDay, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, errs.Validation("invalid time %q: hour must be 0-23 and minute 0-59", s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant at c on the calendar day of t.
func (c ClockTime) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Add(time.Duration(c) * time.Minute)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(text []byte) error {
	v, err := ParseClock(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Window is a half-open interval [Start, End) within one day.
type Window struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// NewWindow parses and validates a window from "HH:MM" bounds.
func NewWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	if s == EndOfDay {
		return Window{}, errs.Validation("invalid start %q", start)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	if s >= e {
		return Window{}, errs.Validation("start %s must be before end %s", start, end)
	}
	return Window{Start: s, End: e}, nil
}

func (w Window) Contains(c ClockTime) bool {
	return c >= w.Start && c < w.End
}

func (w Window) Overlaps(o Window) bool {
	return w.Start < o.End && o.Start < w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

type WindowType string

const (
	Weekday WindowType = "weekday"
	Weekend WindowType = "weekend"
	Holiday WindowType = "holiday"
)

func ParseWindowType(s string) (WindowType, error) {
	switch WindowType(strings.ToLower(strings.TrimSpace(s))) {
	case Weekday:
		return Weekday, nil
	case Weekend:
		return Weekend, nil
	case Holiday:
		return Holiday, nil
	}
	return "", errs.Validation("invalid window type %q: expected weekday, weekend or holiday", s)
}

// Days returns the weekdays a window type covers. Holiday windows cover
// dates, not weekdays, so the set is empty.
func (t WindowType) Days() []time.Weekday {
	switch t {
	case Weekday:
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	case Weekend:
		return []time.Weekday{time.Saturday, time.Sunday}
	}
	return nil
}

// TimeWindows groups the allowed windows of a profile by type. Each list is
// sorted by start and free of overlaps.
type TimeWindows struct {
	Weekday []Window `json:"weekday"`
	Weekend []Window `json:"weekend"`
	Holiday []Window `json:"holiday"`
}

func (tw *TimeWindows) list(t WindowType) *[]Window {
	switch t {
	case Weekend:
		return &tw.Weekend
	case Holiday:
		return &tw.Holiday
	default:
		return &tw.Weekday
	}
}

// Of returns the windows of type t.
func (tw TimeWindows) Of(t WindowType) []Window {
	return *tw.list(t)
}

func (tw TimeWindows) Empty() bool {
	return len(tw.Weekday) == 0 && len(tw.Weekend) == 0 && len(tw.Holiday) == 0
}

// Add inserts w into the list for t. An overlapping window is rejected with
// a Conflict and the list is left untouched.
func (tw *TimeWindows) Add(t WindowType, w Window) error {
	l := tw.list(t)
	for _, existing := range *l {
		if existing.Overlaps(w) {
			return errs.Conflict("%s window %s overlaps existing window %s", t, w, existing)
		}
	}
	next := append(append([]Window{}, *l...), w)
	sort.Slice(next, func(i, j int) bool { return next[i].Start < next[j].Start })
	*l = next
	return nil
}

// Remove deletes w from the list for t and reports whether it was present.
func (tw *TimeWindows) Remove(t WindowType, w Window) bool {
	l := tw.list(t)
	for i, existing := range *l {
		if existing == w {
			*l = append(append([]Window{}, (*l)[:i]...), (*l)[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the list for t and reports whether anything was removed.
func (tw *TimeWindows) Clear(t WindowType) bool {
	l := tw.list(t)
	if len(*l) == 0 {
		return false
	}
	*l = []Window{}
	return true
}

// MarshalJSON always emits all three lists, empty ones as [].
func (tw TimeWindows) MarshalJSON() ([]byte, error) {
	type plain TimeWindows
	out := plain(tw)
	for _, l := range []*[]Window{&out.Weekday, &out.Weekend, &out.Holiday} {
		if *l == nil {
			*l = []Window{}
		}
	}
	return json.Marshal(out)
}
