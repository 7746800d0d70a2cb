package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
)

const sessionColumns = `id, profile_id, start_time, end_time, end_reason, last_activity_at, active_seconds, idle_seconds, current_app`

func (tx *Tx) scanSession(stmt *sqlite.Stmt) session.Session {
	return session.Session{
		ID:            stmt.ColumnText(0),
		ProfileID:     stmt.ColumnText(1),
		StartTime:     tx.time(stmt, 2),
		EndTime:       tx.time(stmt, 3),
		EndReason:     session.EndReason(stmt.ColumnText(4)),
		LastActivity:  tx.time(stmt, 5),
		ActiveSeconds: stmt.ColumnInt64(6),
		IdleSeconds:   stmt.ColumnInt64(7),
		CurrentApp:    stmt.ColumnText(8),
	}
}

func (tx *Tx) sessions(query string, args ...any) ([]session.Session, error) {
	var out []session.Session
	err := tx.query(query, func(stmt *sqlite.Stmt) error {
		out = append(out, tx.scanSession(stmt))
		return nil
	}, args...)
	return out, err
}

// OpenSession returns the open session of a profile, or nil.
func (tx *Tx) OpenSession(profileID string) (*session.Session, error) {
	ss, err := tx.sessions(`SELECT `+sessionColumns+` FROM sessions
		WHERE profile_id = ? AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`, profileID)
	if err != nil || len(ss) == 0 {
		return nil, err
	}
	return &ss[0], nil
}

// OpenSessions returns every open session, oldest first.
func (tx *Tx) OpenSessions() ([]session.Session, error) {
	return tx.sessions(`SELECT ` + sessionColumns + ` FROM sessions WHERE end_time IS NULL ORDER BY profile_id, start_time`)
}

// Sessions returns the sessions of a profile started in [from, to).
func (tx *Tx) Sessions(profileID string, from, to time.Time) ([]session.Session, error) {
	return tx.sessions(`SELECT `+sessionColumns+` FROM sessions
		WHERE profile_id = ? AND start_time >= ? AND start_time < ? ORDER BY start_time`,
		profileID, from.UnixNano(), to.UnixNano())
}

// StartSession opens a session for a profile at start. The caller holds
// the profile's lock and has checked no session is open.
func (tx *Tx) StartSession(profileID string, start time.Time, app string) (*session.Session, error) {
	s := &session.Session{
		ID:           uuid.NewString(),
		ProfileID:    profileID,
		StartTime:    start,
		LastActivity: start,
		CurrentApp:   app,
	}
	err := tx.exec(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, NULL, NULL, ?, 0, 0, ?)`,
		s.ID, s.ProfileID, s.StartTime.UnixNano(), s.LastActivity.UnixNano(), s.CurrentApp)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSession writes back the mutable fields of s.
func (tx *Tx) SaveSession(s *session.Session) error {
	var reason any
	if s.EndReason != "" {
		reason = string(s.EndReason)
	}
	err := tx.exec(`UPDATE sessions SET end_time = ?, end_reason = ?, last_activity_at = ?,
		active_seconds = ?, idle_seconds = ?, current_app = ? WHERE id = ?`,
		nanos(s.EndTime), reason, s.LastActivity.UnixNano(), s.ActiveSeconds, s.IdleSeconds, s.CurrentApp, s.ID)
	if err != nil {
		return err
	}
	if tx.changes() == 0 {
		return errs.NotFound("session %q not found", s.ID)
	}
	return nil
}

// CloseOpenSession ends the profile's open session, if any, and returns it.
func (tx *Tx) CloseOpenSession(profileID string, at time.Time, reason session.EndReason) (*session.Session, error) {
	s, err := tx.OpenSession(profileID)
	if err != nil || s == nil {
		return nil, err
	}
	s.End(at, reason)
	if err := tx.SaveSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

type Activity struct {
	ID          int64     `json:"id"`
	ProfileID   string    `json:"profile_id"`
	SessionID   string    `json:"session_id"`
	AppID       string    `json:"app_id"`
	Category    string    `json:"category,omitempty"`
	WindowTitle string    `json:"window_title,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Day         string    `json:"day"`
	Seconds     int64     `json:"seconds"`
	// Exempt activity is recorded but not counted toward the daily limit.
	Exempt bool `json:"exempt"`
}

func (tx *Tx) InsertActivity(a *Activity) error {
	if a.Day == "" {
		a.Day = tx.Day(a.StartedAt)
	}
	err := tx.exec(`INSERT INTO activities (profile_id, session_id, app_id, category, window_title, started_at, day, seconds, exempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProfileID, a.SessionID, a.AppID, a.Category, a.WindowTitle, a.StartedAt.UnixNano(), a.Day, a.Seconds, boolInt(a.Exempt))
	if err != nil {
		return err
	}
	a.ID = tx.conn.LastInsertRowID()
	return nil
}

// Activities returns a profile's activity on day in the order it happened.
func (tx *Tx) Activities(profileID, day string) ([]Activity, error) {
	var out []Activity
	err := tx.query(`SELECT id, profile_id, session_id, app_id, category, window_title, started_at, day, seconds, exempt
		FROM activities WHERE profile_id = ? AND day = ? ORDER BY started_at, id`,
		func(stmt *sqlite.Stmt) error {
			out = append(out, Activity{
				ID:          stmt.ColumnInt64(0),
				ProfileID:   stmt.ColumnText(1),
				SessionID:   stmt.ColumnText(2),
				AppID:       stmt.ColumnText(3),
				Category:    stmt.ColumnText(4),
				WindowTitle: stmt.ColumnText(5),
				StartedAt:   tx.time(stmt, 6),
				Day:         stmt.ColumnText(7),
				Seconds:     stmt.ColumnInt64(8),
				Exempt:      stmt.ColumnInt(9) != 0,
			})
			return nil
		}, profileID, day)
	return out, err
}

// UsageSeconds returns the seconds of activity counted toward the daily
// limit on day.
func (tx *Tx) UsageSeconds(profileID, day string) (int64, error) {
	var total int64
	err := tx.query(`SELECT COALESCE(SUM(seconds), 0) FROM activities WHERE profile_id = ? AND day = ? AND exempt = 0`,
		func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		}, profileID, day)
	return total, err
}

const heartbeatKey = "scheduler_heartbeat"

// Heartbeat records that the scheduler was alive at t.
func (s *Store) Heartbeat(ctx context.Context, t time.Time) error {
	return s.Update(ctx, globalKey, func(tx *Tx) error {
		return tx.SetSetting(heartbeatKey, formatNanos(t))
	})
}

// Recover closes sessions left open by a previous run. Sessions end with
// reason crash at the last scheduler heartbeat, or at their last activity
// when that is later. A profile with more than one open session has the
// extras force-closed first.
func (s *Store) Recover(ctx context.Context) (int, error) {
	var open []session.Session
	var heartbeat time.Time
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		if open, err = tx.OpenSessions(); err != nil {
			return err
		}
		v, ok, err := tx.Setting(heartbeatKey)
		if err != nil || !ok {
			return err
		}
		heartbeat, err = parseNanos(v, tx.loc)
		return err
	})
	if err != nil {
		return 0, err
	}

	byProfile := make(map[string][]session.Session)
	for _, ss := range open {
		byProfile[ss.ProfileID] = append(byProfile[ss.ProfileID], ss)
	}

	closed := 0
	for profileID, ss := range byProfile {
		if len(ss) > 1 {
			s.log.Error("profile has more than one open session",
				logger.Profile(profileID), zap.Int("open", len(ss)), zap.Stack("stack"))
		}
		err := s.Update(ctx, profileID, func(tx *Tx) error {
			for i := range ss {
				end := heartbeat
				if end.IsZero() {
					end = ss[i].LastActivity
				}
				ss[i].End(end, session.EndCrash)
				if err := tx.SaveSession(&ss[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return closed, err
		}
		closed += len(ss)
	}
	if closed > 0 {
		s.log.Warn("closed sessions left open by a previous run", zap.Int("sessions", closed))
	}
	return closed, nil
}

// RepairOpenSessions force-closes all but the newest open session of a
// profile and returns how many were closed. Each extra session ends at its
// last activity.
func (tx *Tx) RepairOpenSessions(profileID string) (int, error) {
	ss, err := tx.sessions(`SELECT `+sessionColumns+` FROM sessions
		WHERE profile_id = ? AND end_time IS NULL ORDER BY start_time DESC`, profileID)
	if err != nil || len(ss) <= 1 {
		return 0, err
	}
	for i := range ss[1:] {
		extra := &ss[i+1]
		extra.End(extra.LastActivity, session.EndCrash)
		if err := tx.SaveSession(extra); err != nil {
			return i, err
		}
	}
	return len(ss) - 1, nil
}
