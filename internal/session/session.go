// Package session models a Usage Session: a contiguous span of observed
// activity for one profile, and the arithmetic that credits reported
// activity to it without double counting.
package session

import (
	"fmt"
	"time"
)

type EndReason string

const (
	EndLogout     EndReason = "logout"
	EndTimeLimit  EndReason = "time_limit"
	EndTimeWindow EndReason = "time_window"
	EndCrash      EndReason = "crash"
	EndShutdown   EndReason = "shutdown"
)

func ParseEndReason(s string) (EndReason, error) {
	switch r := EndReason(s); r {
	case EndLogout, EndTimeLimit, EndTimeWindow, EndCrash, EndShutdown:
		return r, nil
	}
	return "", fmt.Errorf("unknown end reason %q", s)
}

type Session struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profile_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	EndReason     EndReason `json:"end_reason,omitempty"`
	LastActivity  time.Time `json:"last_activity_at"`
	ActiveSeconds int64     `json:"active_seconds"`
	IdleSeconds   int64     `json:"idle_seconds"`
	CurrentApp    string    `json:"current_app,omitempty"`
}

func (s *Session) IsActive() bool {
	return s.EndTime.IsZero()
}

// End closes the session at end for reason. Closing before the last
// credited activity ends at the last activity instead.
func (s *Session) End(end time.Time, reason EndReason) {
	if end.Before(s.LastActivity) {
		end = s.LastActivity
	}
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.EndTime = end
	s.EndReason = reason
}

// Duration is the wall-clock span of the session, up to now if still open.
func (s *Session) Duration(now time.Time) time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = now
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}
