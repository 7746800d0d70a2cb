package engine

import (
	"context"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const reasonWindow = "outside allowed time window"

func (e *Engine) windowTick(ctx context.Context, now time.Time) error {
	e.heartbeat(ctx, now)
	return e.forEachProfile(ctx, "time_window", func(ctx context.Context, p policy.Profile) error {
		return e.checkWindow(ctx, p.ID, now)
	})
}

// checkWindow closes the open session of a profile that left its allowed
// windows. Entering a window is passive; the next activity opens a session.
func (e *Engine) checkWindow(ctx context.Context, profileID string, now time.Time) error {
	var b *batch
	err := e.store.Update(ctx, profileID, func(tx *store.Tx) error {
		p, exs, err := e.load(tx, profileID, now)
		if err != nil || p == nil || eval.Suspended(exs, now) {
			return err
		}
		open, err := e.openSession(tx, p.ID)
		if err != nil || open == nil {
			return err
		}
		b = &batch{tx: tx, p: p, audit: true}

		if ok, _ := eval.PermitAt(p.Config, now, e.holidays); !ok {
			return e.leaveWindow(b, now)
		}
		end, ok := eval.WindowEnd(p.Config, now, e.holidays)
		if !ok {
			return nil
		}
		remaining := end.Sub(now)
		threshold, hit := eval.CheckSendNotification(remaining, e.notifyBefore)
		if !hit {
			return nil
		}
		key := warnKey{profileID: p.ID, day: tx.Day(now), scope: "window " + policy.ClockOf(end).String(), threshold: threshold}
		return e.warn(b, key, Action{
			Reason:    "screen time window ends in " + formatTimeRemaining(remaining),
			At:        now,
			Remaining: remaining,
		})
	})
	if err != nil {
		return err
	}
	e.finish(ctx, b)
	return nil
}

// leaveWindow closes the open session with time_window and locks.
func (e *Engine) leaveWindow(b *batch, at time.Time) error {
	closed, err := b.tx.CloseOpenSession(b.p.ID, at, session.EndTimeWindow)
	if err != nil || closed == nil {
		return err
	}
	return b.add(Action{Kind: store.EventLock, Reason: reasonWindow, At: at})
}
