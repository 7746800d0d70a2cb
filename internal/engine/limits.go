package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const reasonLimit = "daily screen time limit reached"

// usage is a profile's counted screen time on one day against its
// effective limit.
type usage struct {
	Day  string
	Used time.Duration
	// Base is the configured limit for the day; zero means unlimited.
	Base time.Duration
	// Extra is the extra time consumed on the day.
	Extra time.Duration
	// Consumed is the part of Extra consumed by this measurement.
	Consumed time.Duration
}

func (u usage) Unlimited() bool { return u.Base == 0 }

func (u usage) Limit() time.Duration { return u.Base + u.Extra }

func (u usage) Over() bool { return !u.Unlimited() && u.Used >= u.Limit() }

func (u usage) Remaining() time.Duration {
	if u.Unlimited() {
		return 0
	}
	return max(u.Limit()-u.Used, 0)
}

// measure reads usage on t's day without consuming anything.
func (e *Engine) measure(tx *store.Tx, p *policy.Profile, t time.Time) (usage, error) {
	t = t.In(e.loc)
	day := tx.Day(t)
	secs, err := tx.UsageSeconds(p.ID, day)
	if err != nil {
		return usage{}, err
	}
	extra, err := tx.ConsumedExtraMinutes(p.ID, day)
	if err != nil {
		return usage{}, err
	}
	return usage{
		Day:   day,
		Used:  time.Duration(secs) * time.Second,
		Base:  eval.DailyLimit(p.Config, t, e.holidays),
		Extra: time.Duration(extra) * time.Minute,
	}, nil
}

// pendingExtra sums the extra_time grants not consumed yet.
func pendingExtra(exceptions []policy.Exception, now time.Time) time.Duration {
	var d time.Duration
	for _, ex := range exceptions {
		if g, ok := ex.Grant.(policy.ExtraTimeGrant); ok && ex.Live(now) {
			d += time.Duration(g.AmountMinutes) * time.Minute
		}
	}
	return d
}

// enforceLimit measures usage at at, consuming extra_time grants oldest
// first while usage is at or over the limit. If it is still over, the day's
// limit trips: the first trip of the day blocks, and an open session is
// closed and locked.
func (e *Engine) enforceLimit(b *batch, at time.Time) (usage, error) {
	u, err := e.measure(b.tx, b.p, at)
	if err != nil {
		return u, err
	}
	for u.Over() {
		minutes, err := b.tx.ConsumeExtraTime(b.p.ID, u.Day, b.tx.Now())
		if err != nil {
			return u, err
		}
		if minutes == 0 {
			break
		}
		u.Extra += time.Duration(minutes) * time.Minute
		u.Consumed += time.Duration(minutes) * time.Minute
	}
	if !u.Over() {
		return u, nil
	}

	first, err := b.tx.TripLimit(b.p.ID, u.Day, at)
	if err != nil {
		return u, err
	}
	if first {
		if err := b.add(Action{Kind: store.EventBlock, Reason: reasonLimit, At: at}); err != nil {
			return u, err
		}
	}
	closed, err := b.tx.CloseOpenSession(b.p.ID, at, session.EndTimeLimit)
	if err != nil {
		return u, err
	}
	if closed != nil {
		if err := b.add(Action{Kind: store.EventLock, Reason: reasonLimit, At: at}); err != nil {
			return u, err
		}
	}
	return u, nil
}

func (e *Engine) limitTick(ctx context.Context, now time.Time) error {
	return e.forEachProfile(ctx, "daily_limit", func(ctx context.Context, p policy.Profile) error {
		return e.checkLimit(ctx, p.ID, now)
	})
}

func (e *Engine) checkLimit(ctx context.Context, profileID string, now time.Time) error {
	var b *batch
	err := e.store.Update(ctx, profileID, func(tx *store.Tx) error {
		p, exs, err := e.load(tx, profileID, now)
		if err != nil || p == nil || eval.Suspended(exs, now) {
			return err
		}
		b = &batch{tx: tx, p: p, audit: true}
		u, err := e.enforceLimit(b, now)
		if err != nil {
			return err
		}
		if u.Consumed > 0 {
			err := tx.Audit(store.ActorEnforcer, "consume_extra_time", "profile", p.ID, true, map[string]any{
				"day":     u.Day,
				"minutes": int(u.Consumed / time.Minute),
			})
			if err != nil {
				return err
			}
		}
		if u.Over() || u.Unlimited() {
			return nil
		}

		open, err := e.openSession(tx, p.ID)
		if err != nil || open == nil {
			return err
		}
		remaining := u.Remaining() + pendingExtra(exs, now)
		threshold, hit := eval.CheckSendNotification(remaining, e.notifyBefore)
		if !hit {
			return nil
		}
		key := warnKey{profileID: p.ID, day: u.Day, scope: "limit", threshold: threshold}
		return e.warn(b, key, Action{
			Reason:    fmt.Sprintf("%s of screen time left today", formatTimeRemaining(remaining)),
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

// load reads a profile under its lock along with its live exceptions. It
// returns a nil profile when the profile is inactive.
func (e *Engine) load(tx *store.Tx, profileID string, now time.Time) (*policy.Profile, []policy.Exception, error) {
	p, err := tx.Profile(profileID)
	if err != nil || !p.Active {
		return nil, nil, err
	}
	exs, err := tx.ActiveExceptions(p.ID, now)
	if err != nil {
		return nil, nil, err
	}
	return p, exs, nil
}

// openSession returns the open session of a profile. A profile must never
// have more than one; extras are force-closed and reported.
func (e *Engine) openSession(tx *store.Tx, profileID string) (*session.Session, error) {
	n, err := tx.RepairOpenSessions(profileID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.log.Error("profile had more than one open session",
			logger.Profile(profileID), zap.Int("closed", n), zap.Stack("stack"))
	}
	return tx.OpenSession(profileID)
}
