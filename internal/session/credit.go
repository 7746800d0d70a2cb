package session

import "time"

// Credit is the time one activity report adds to a session.
type Credit struct {
	// Start is where the newly credited active span begins.
	Start  time.Time
	Active time.Duration
	Idle   time.Duration
	// Watermark is the instant activity is accounted up to afterwards.
	Watermark time.Time
}

func (c Credit) Empty() bool {
	return c.Active == 0 && c.Idle == 0
}

// Apply credits the span [start, end] against activity already accounted
// up to watermark. Anything at or before the watermark was credited by an
// earlier report and is skipped, so replaying a report adds nothing. A gap
// since the watermark up to idleTimeout counts as active, a longer gap is
// a feed gap and counts as idle.
func Apply(watermark, start, end time.Time, idleTimeout time.Duration) Credit {
	if end.Before(start) {
		end = start
	}
	if !end.After(watermark) {
		return Credit{Watermark: watermark}
	}
	if start.Before(watermark) {
		start = watermark
	}

	c := Credit{Start: start, Watermark: end}
	if gap := start.Sub(watermark); gap > 0 {
		if gap <= idleTimeout {
			c.Active += gap
			c.Start = watermark
		} else {
			c.Idle = gap
		}
	}
	c.Active += end.Sub(start)
	return c
}

// Credit applies the span to s and returns what was added.
func (s *Session) Credit(start, end time.Time, idleTimeout time.Duration) Credit {
	watermark := s.LastActivity
	if watermark.IsZero() {
		watermark = s.StartTime
	}
	c := Apply(watermark, start, end, idleTimeout)
	s.ActiveSeconds += int64(c.Active / time.Second)
	s.IdleSeconds += int64(c.Idle / time.Second)
	s.LastActivity = c.Watermark
	return c
}
