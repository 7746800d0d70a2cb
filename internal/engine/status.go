package engine

import (
	"context"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Status is a snapshot of where a profile stands today.
type Status struct {
	ProfileID string `json:"profile_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Day       string `json:"day"`

	UsedSeconds int64 `json:"used_seconds"`
	// LimitSeconds of zero means no daily limit.
	LimitSeconds        int64 `json:"limit_seconds"`
	RemainingSeconds    int64 `json:"remaining_seconds"`
	LimitReached        bool  `json:"limit_reached"`
	PendingExtraMinutes int   `json:"pending_extra_minutes"`

	InWindow        bool       `json:"in_window"`
	WindowEndsAt    *time.Time `json:"window_ends_at,omitempty"`
	NextWindowStart *time.Time `json:"next_window_start,omitempty"`

	Suspended bool             `json:"suspended"`
	Session   *session.Session `json:"session,omitempty"`
}

func (e *Engine) Status(ctx context.Context, ref string) (*Status, error) {
	var st Status
	err := e.store.View(ctx, func(tx *store.Tx) error {
		p, err := tx.ResolveProfile(ref)
		if err != nil {
			return err
		}
		now := tx.Now().In(e.loc)
		st = Status{ProfileID: p.ID, Name: p.Name, Active: p.Active, Day: tx.Day(now)}

		u, err := e.measure(tx, p, now)
		if err != nil {
			return err
		}
		exs, err := tx.ActiveExceptions(p.ID, now)
		if err != nil {
			return err
		}
		pending := pendingExtra(exs, now)
		st.UsedSeconds = int64(u.Used / time.Second)
		st.PendingExtraMinutes = int(pending / time.Minute)
		if !u.Unlimited() {
			st.LimitSeconds = int64(u.Limit() / time.Second)
			st.RemainingSeconds = int64((u.Remaining() + pending) / time.Second)
			st.LimitReached = u.Used >= u.Limit()+pending
		}

		st.InWindow, _ = eval.PermitAt(p.Config, now, e.holidays)
		if end, ok := eval.WindowEnd(p.Config, now, e.holidays); ok {
			st.WindowEndsAt = &end
		}
		if !st.InWindow {
			if next, ok := eval.NextWindowStart(p.Config, now, e.holidays); ok {
				st.NextWindowStart = &next
			}
		}
		st.Suspended = eval.Suspended(exs, now)

		st.Session, err = tx.OpenSession(p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
