package store

import (
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

type EventKind string

const (
	EventLock      EventKind = "lock"
	EventBlock     EventKind = "block"
	EventWarn      EventKind = "warn"
	EventViolation EventKind = "violation"
)

type EnforcementEvent struct {
	ID        int64     `json:"id"`
	ProfileID string    `json:"profile_id"`
	At        time.Time `json:"at"`
	Day       string    `json:"day"`
	Kind      EventKind `json:"kind"`
	Reason    string    `json:"reason"`
	AppID     string    `json:"app_id,omitempty"`
}

func (tx *Tx) InsertEvent(ev *EnforcementEvent) error {
	if ev.At.IsZero() {
		ev.At = tx.now
	}
	if ev.Day == "" {
		ev.Day = tx.Day(ev.At)
	}
	err := tx.exec(`INSERT INTO enforcement_events (profile_id, at, day, kind, reason, app_id) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProfileID, ev.At.UnixNano(), ev.Day, string(ev.Kind), ev.Reason, ev.AppID)
	if err != nil {
		return err
	}
	ev.ID = tx.conn.LastInsertRowID()
	return nil
}

// CountEvents counts a profile's events of each kind on the given days.
func (tx *Tx) CountEvents(profileID string, days ...string) (map[EventKind]int, error) {
	out := make(map[EventKind]int)
	for _, day := range days {
		err := tx.query(`SELECT kind, COUNT(*) FROM enforcement_events WHERE profile_id = ? AND day = ? GROUP BY kind`,
			func(stmt *sqlite.Stmt) error {
				out[EventKind(stmt.ColumnText(0))] += stmt.ColumnInt(1)
				return nil
			}, profileID, day)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TripLimit records that a profile hit its daily limit on day and reports
// whether this was the first trip that day.
func (tx *Tx) TripLimit(profileID, day string, at time.Time) (bool, error) {
	err := tx.exec(`INSERT INTO limit_trips (profile_id, day, tripped_at) VALUES (?, ?, ?)
		ON CONFLICT(profile_id, day) DO NOTHING`, profileID, day, at.UnixNano())
	if err != nil {
		return false, err
	}
	return tx.changes() > 0, nil
}

func (tx *Tx) LimitTripped(profileID, day string) (bool, error) {
	found := false
	err := tx.query(`SELECT 1 FROM limit_trips WHERE profile_id = ? AND day = ?`, func(*sqlite.Stmt) error {
		found = true
		return nil
	}, profileID, day)
	return found, err
}

// PutVerdict stores v as the latest verdict for its profile and resource.
func (tx *Tx) PutVerdict(v policy.Verdict) error {
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = tx.now
	}
	return tx.exec(`INSERT INTO verdicts (profile_id, resource, risk_level, action, received_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, resource) DO UPDATE SET
			risk_level = excluded.risk_level, action = excluded.action, received_at = excluded.received_at`,
		v.ProfileID, v.Resource, v.RiskLevel, string(v.Action), v.ReceivedAt.UnixNano())
}

// Verdict returns the latest verdict for a resource, or nil.
func (tx *Tx) Verdict(profileID, resource string) (*policy.Verdict, error) {
	var out *policy.Verdict
	err := tx.query(`SELECT risk_level, action, received_at FROM verdicts WHERE profile_id = ? AND resource = ?`,
		func(stmt *sqlite.Stmt) error {
			out = &policy.Verdict{
				ProfileID:  profileID,
				Resource:   resource,
				RiskLevel:  stmt.ColumnText(0),
				Action:     policy.VerdictAction(stmt.ColumnText(1)),
				ReceivedAt: tx.time(stmt, 2),
			}
			return nil
		}, profileID, resource)
	return out, err
}
