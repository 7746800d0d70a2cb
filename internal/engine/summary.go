package engine

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const (
	topAppsLimit  = 5
	uncategorized = "uncategorized"
)

// startOfDay returns local midnight of t's day.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns local midnight of the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func (e *Engine) parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return startOfDay(e.now()), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, e.loc)
	if err != nil {
		return time.Time{}, errs.Validation("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// summaryTick refreshes today's summaries and finalizes every earlier day
// not yet written for a profile. A profile whose finalize fails is retried
// from the same day on the next tick.
func (e *Engine) summaryTick(ctx context.Context, now time.Time) error {
	today := startOfDay(now)
	err := e.forEachProfile(ctx, "summary", func(ctx context.Context, p policy.Profile) error {
		last := e.summarizedThrough(p.ID, today)
		err := e.store.Update(ctx, p.ID, func(tx *store.Tx) error {
			for day := last; day.Before(today); day = day.AddDate(0, 0, 1) {
				if err := e.putSummaries(tx, &p, day, !startOfWeek(day).Equal(startOfWeek(today))); err != nil {
					return err
				}
			}
			return e.putSummaries(tx, &p, today, true)
		})
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.summarized[p.ID] = today
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	e.forgetWarnings(policy.DayKey(today))
	return nil
}

// summarizedThrough returns the first day to write for a profile. A profile
// not seen since startup catches up on the previous day only.
func (e *Engine) summarizedThrough(profileID string, today time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.summarized[profileID]; ok {
		return last
	}
	return today.AddDate(0, 0, -1)
}

func (e *Engine) putSummaries(tx *store.Tx, p *policy.Profile, day time.Time, weekly bool) error {
	d, err := e.buildDaily(tx, p, day)
	if err != nil {
		return err
	}
	if err := tx.PutDailySummary(d); err != nil {
		return err
	}
	if !weekly {
		return nil
	}
	w, err := e.buildWeekly(tx, p, startOfWeek(day))
	if err != nil {
		return err
	}
	return tx.PutWeeklySummary(w)
}

// buildDaily aggregates a profile's activity and enforcement events on the
// calendar day starting at day.
func (e *Engine) buildDaily(tx *store.Tx, p *policy.Profile, day time.Time) (*store.DailySummary, error) {
	key := policy.DayKey(day)
	acts, err := tx.Activities(p.ID, key)
	if err != nil {
		return nil, err
	}
	sessions, err := tx.Sessions(p.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	counts, err := tx.CountEvents(p.ID, key)
	if err != nil {
		return nil, err
	}
	extra, err := tx.ConsumedExtraMinutes(p.ID, key)
	if err != nil {
		return nil, err
	}

	d := &store.DailySummary{
		ProfileID:       p.ID,
		Day:             key,
		SessionCount:    len(sessions),
		Categories:      map[string]int64{},
		BlocksCount:     counts[store.EventBlock],
		ViolationsCount: counts[store.EventViolation],
		GeneratedAt:     tx.Now(),
	}
	if base := eval.DailyLimit(p.Config, day, e.holidays); base > 0 {
		d.LimitMinutes = int(base/time.Minute) + extra
	}

	perApp := map[string]int64{}
	prev := ""
	for _, a := range acts {
		d.ScreenTimeSeconds += a.Seconds
		if !a.Exempt {
			d.CountedSeconds += a.Seconds
		}
		if prev != "" && a.AppID != prev {
			d.AppSwitches++
		}
		prev = a.AppID
		perApp[a.AppID] += a.Seconds
		cat := a.Category
		if cat == "" {
			cat = uncategorized
		}
		d.Categories[cat] += a.Seconds
	}
	d.UniqueApps = len(perApp)
	d.TopApps = topApps(perApp)
	return d, nil
}

func topApps(perApp map[string]int64) []store.AppUsage {
	out := make([]store.AppUsage, 0, len(perApp))
	for app, secs := range perApp {
		out = append(out, store.AppUsage{AppID: app, Seconds: secs})
	}
	slices.SortFunc(out, func(a, b store.AppUsage) int {
		if c := cmp.Compare(b.Seconds, a.Seconds); c != 0 {
			return c
		}
		return strings.Compare(a.AppID, b.AppID)
	})
	if len(out) > topAppsLimit {
		out = out[:topAppsLimit]
	}
	return out
}

// buildWeekly aggregates the seven days starting at weekStart and compares
// the total with the week before.
func (e *Engine) buildWeekly(tx *store.Tx, p *policy.Profile, weekStart time.Time) (*store.WeeklySummary, error) {
	w := &store.WeeklySummary{
		ProfileID:   p.ID,
		WeekStart:   policy.DayKey(weekStart),
		WeekEnd:     policy.DayKey(weekStart.AddDate(0, 0, 6)),
		Categories:  map[string]int64{},
		GeneratedAt: tx.Now(),
	}
	perApp := map[string]int64{}
	for i := range 7 {
		day := weekStart.AddDate(0, 0, i)
		d, err := e.buildDaily(tx, p, day)
		if err != nil {
			return nil, err
		}
		w.TotalSeconds += d.ScreenTimeSeconds
		if d.ScreenTimeSeconds > 0 {
			w.DaysActive++
		}
		if d.LimitMinutes > 0 && d.CountedSeconds >= int64(d.LimitMinutes)*60 {
			w.DaysOverLimit++
		}
		w.BlocksCount += d.BlocksCount
		w.ViolationsCount += d.ViolationsCount
		for cat, secs := range d.Categories {
			w.Categories[cat] += secs
		}
		acts, err := tx.Activities(p.ID, d.Day)
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			perApp[a.AppID] += a.Seconds
		}
	}
	if w.DaysActive > 0 {
		w.DailyAverageSeconds = w.TotalSeconds / int64(w.DaysActive)
	}
	w.TopApps = topApps(perApp)

	var previous int64
	for i := range 7 {
		acts, err := tx.Activities(p.ID, policy.DayKey(weekStart.AddDate(0, 0, i-7)))
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			previous += a.Seconds
		}
	}
	if previous > 0 {
		change := float64(w.TotalSeconds-previous) / float64(previous) * 100
		w.ChangePercent = &change
	}
	return w, nil
}

// DailyReport builds the summary of one day; an empty day means today.
func (e *Engine) DailyReport(ctx context.Context, ref, day string) (*store.DailySummary, error) {
	t, err := e.parseDay(day)
	if err != nil {
		return nil, err
	}
	var out *store.DailySummary
	err = e.store.View(ctx, func(tx *store.Tx) error {
		p, err := tx.ResolveProfile(ref)
		if err != nil {
			return err
		}
		out, err = e.buildDaily(tx, p, t)
		return err
	})
	return out, err
}

// WeeklyReport builds the summary of the week containing weekStart; an
// empty weekStart means the current week. Weeks start on Monday.
func (e *Engine) WeeklyReport(ctx context.Context, ref, weekStart string) (*store.WeeklySummary, error) {
	t, err := e.parseDay(weekStart)
	if err != nil {
		return nil, err
	}
	var out *store.WeeklySummary
	err = e.store.View(ctx, func(tx *store.Tx) error {
		p, err := tx.ResolveProfile(ref)
		if err != nil {
			return err
		}
		out, err = e.buildWeekly(tx, p, startOfWeek(t))
		return err
	})
	return out, err
}
