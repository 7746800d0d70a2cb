package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/config"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const testConfig = `
[daemon]
timezone = "UTC"

[categories]
code = "education"
`

// at returns a time on Monday 2024-06-03.
func at(hour, minute int) time.Time {
	return time.Date(2024, 6, 3, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	store   *store.Store
	clock   *clock.Fake
	rec     *Recorder
	engine  *Engine
	profile *policy.Profile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(at(10, 0))
	cfg, err := config.LoadConfigFromBytes([]byte(testConfig))
	require.NoError(t, err)

	st, err := store.Open(store.Options{
		Path:     filepath.Join(t.TempDir(), "familywarden.db"),
		PoolSize: 4,
		Logger:   zaptest.NewLogger(t),
		Clock:    clk,
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := st.CreateProfile(ctx, "Alice", policy.AgeMiddle, "alice", cfg.ProfileDefaults(policy.AgeMiddle), store.ActorParent)
	require.NoError(t, err)

	rec := &Recorder{}
	e := New(Options{Store: st, Config: cfg, Clock: clk, Logger: zaptest.NewLogger(t), Actuator: rec})
	return &fixture{store: st, clock: clk, rec: rec, engine: e, profile: p}
}

func (f *fixture) sessions(t *testing.T, day time.Time) []session.Session {
	t.Helper()
	var out []session.Session
	err := f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.Sessions(f.profile.ID, day, day.AddDate(0, 0, 1))
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) openSessions(t *testing.T) []session.Session {
	t.Helper()
	var out []session.Session
	err := f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.OpenSessions()
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) addWindow(t *testing.T, start, end string) {
	t.Helper()
	w, err := policy.NewWindow(start, end)
	require.NoError(t, err)
	require.NoError(t, f.store.AddTimeWindow(context.Background(), "Alice", policy.Weekday, w, store.ActorParent))
}

func TestDailyLimitTripsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), 2*time.Hour+time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, reasonLimit, res.Reason)
	assert.Equal(t, int64(7260), res.CreditedSeconds)
	assert.Equal(t, []store.EventKind{store.EventBlock, store.EventLock}, res.Actions)

	ss := f.sessions(t, at(0, 0))
	require.Len(t, ss, 1)
	assert.Equal(t, session.EndTimeLimit, ss[0].EndReason)
	assert.Equal(t, at(12, 1), ss[0].EndTime)

	// later ticks and reports do not block again
	require.NoError(t, f.engine.limitTick(ctx, at(12, 5)))
	res, err = f.engine.ReportActivity(ctx, "Alice", "firefox", at(12, 10), time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.CreditedSeconds)
	assert.Empty(t, f.openSessions(t))

	assert.Equal(t, 1, f.rec.Count(store.EventBlock))
	assert.Equal(t, 1, f.rec.Count(store.EventLock))
}

func TestExtraTimeExtendsOnlyThatDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex := &policy.Exception{
		Type:      policy.ExtraTime,
		Grant:     policy.ExtraTimeGrant{AmountMinutes: 30},
		ExpiresAt: policy.DayEnd(f.clock.Now()),
	}
	require.NoError(t, f.store.CreateException(ctx, "Alice", ex, store.ActorParent))

	res, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), 2*time.Hour+time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Reason)
	assert.Zero(t, f.rec.Count(store.EventBlock))

	st, err := f.engine.Status(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150*60), st.LimitSeconds)
	assert.Equal(t, int64(7260), st.UsedSeconds)
	assert.Equal(t, int64(150*60-7260), st.RemainingSeconds)
	assert.False(t, st.LimitReached)

	tuesday := at(10, 0).AddDate(0, 0, 1)
	f.clock.Set(tuesday)
	st, err = f.engine.Status(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(120*60), st.LimitSeconds)
	assert.Zero(t, st.UsedSeconds)

	res, err = f.engine.ReportActivity(ctx, "Alice", "firefox", tuesday, 2*time.Hour+time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, f.rec.Count(store.EventBlock))
}

func TestWindowScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWindow(t, "09:00", "17:00")

	res, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Reason)
	assert.NotEmpty(t, res.SessionID)
	require.Len(t, f.openSessions(t), 1)

	d, err := f.engine.CheckApp(ctx, "Alice", "steam")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "application is blocked", d.Reason)

	res, err = f.engine.ReportActivity(ctx, "Alice", "firefox", at(17, 1), time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, reasonWindow, res.Reason)
	assert.Zero(t, res.CreditedSeconds)

	ss := f.sessions(t, at(0, 0))
	require.Len(t, ss, 1)
	assert.Equal(t, session.EndTimeWindow, ss[0].EndReason)
	assert.Equal(t, int64(60), ss[0].ActiveSeconds)
	assert.Equal(t, 1, f.rec.Count(store.EventLock))
}

func TestReportsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.CreditedSeconds)
	res, err = f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, res.CreditedSeconds, "duplicate report")
	res, err = f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 5), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.CreditedSeconds, "overlap is credited once")

	events := []struct {
		name    string
		kind    FeedKind
		ts      time.Time
		credits int64
	}{
		{"heartbeat within idle timeout", Heartbeat, at(10, 17), 120},
		{"duplicate heartbeat", Heartbeat, at(10, 17), 0},
		{"feed gap counts as idle", Heartbeat, at(10, 45), 0},
		{"focus end", FocusEnd, at(10, 46), 60},
	}
	for _, ev := range events {
		res, err := f.engine.ReportEvent(ctx, ActivityEvent{ProfileID: f.profile.ID, AppID: "firefox", Timestamp: ev.ts, Kind: ev.kind})
		require.NoError(t, err, ev.name)
		assert.Equal(t, ev.credits, res.CreditedSeconds, ev.name)
	}

	st, err := f.engine.Status(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(600+300+120+60), st.UsedSeconds)
	require.NotNil(t, st.Session)
	assert.Equal(t, int64(28*60), st.Session.IdleSeconds)
	assert.Empty(t, st.Session.CurrentApp)

	_, err = f.engine.ReportEvent(ctx, ActivityEvent{ProfileID: f.profile.ID, AppID: "firefox", Timestamp: at(11, 0), Kind: "scroll"})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestConcurrentReportsKeepOneOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0).Add(time.Duration(i)*time.Second), time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.openSessions(t), 1)
	assert.Len(t, f.sessions(t, at(0, 0)), 1)
}

func TestExtraOpenSessionsAreForceClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := func(starts ...time.Time) {
		err := f.store.Update(ctx, f.profile.ID, func(tx *store.Tx) error {
			for _, start := range starts {
				if _, err := tx.StartSession(f.profile.ID, start, "firefox"); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		require.Len(t, f.openSessions(t), 2)
	}

	seed(at(9, 0), at(9, 30))
	_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(9, 31), time.Minute)
	require.NoError(t, err)
	require.Len(t, f.openSessions(t), 1)

	var crashed []session.Session
	for _, s := range f.sessions(t, at(0, 0)) {
		if s.EndReason == session.EndCrash {
			crashed = append(crashed, s)
		}
	}
	require.Len(t, crashed, 1)
	assert.Equal(t, at(9, 0), crashed[0].StartTime)
	assert.Equal(t, at(9, 0), crashed[0].EndTime)

	for _, tick := range []func(context.Context, time.Time) error{f.engine.windowTick, f.engine.limitTick} {
		seed(at(9, 45))
		require.NoError(t, tick(ctx, at(9, 50)))
		assert.Len(t, f.openSessions(t), 1)
	}
}

func TestBlockedAppIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ReportActivity(ctx, "Alice", "steam", at(10, 0), time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []store.EventKind{store.EventBlock}, res.Actions)
	assert.Empty(t, f.openSessions(t))

	a := f.rec.Actions()
	require.Len(t, a, 1)
	assert.Equal(t, "steam", a[0].AppID)
	assert.Equal(t, "alice", a[0].Username)

	d, err := f.engine.DailyReport(ctx, "Alice", "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, 1, d.BlocksCount)
	assert.Equal(t, 1, d.ViolationsCount)
	assert.Zero(t, d.ScreenTimeSeconds)
}

func TestSuspendPausesEnforcement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex := &policy.Exception{
		Type:      policy.SuspendMonitoring,
		Grant:     policy.SuspendMonitoringGrant{},
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.CreateException(ctx, "Alice", ex, store.ActorParent))

	res, err := f.engine.ReportActivity(ctx, "Alice", "steam", at(10, 0), time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "monitoring suspended", res.Reason)
	assert.Empty(t, f.openSessions(t))
	assert.Empty(t, f.rec.Actions())

	d, err := f.engine.CheckApp(ctx, "Alice", "steam")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestVerdicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.ReportVerdict(ctx, "Alice", "firefox", "HIGH", "block"))
	d, err := f.engine.CheckApp(ctx, "Alice", "firefox")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, f.engine.ReportVerdict(ctx, "Alice", "example.com", "medium", "warn"))
	d, err = f.engine.CheckWebsite(ctx, "Alice", "example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Warn)

	err = f.engine.ReportVerdict(ctx, "Alice", "firefox", "high", "explode")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	err = f.engine.ReportVerdict(ctx, "Nobody", "firefox", "high", "block")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestWindowWarningsAreSentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWindow(t, "09:00", "17:00")

	_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(16, 50), time.Minute)
	require.NoError(t, err)

	for _, now := range []time.Time{at(16, 52), at(16, 53), at(16, 56), at(16, 57)} {
		require.NoError(t, f.engine.windowTick(ctx, now))
	}
	require.Equal(t, 2, f.rec.Count(store.EventWarn))
	assert.Equal(t, 8*time.Minute, f.rec.Actions()[0].Remaining)
	assert.Equal(t, 4*time.Minute, f.rec.Actions()[1].Remaining)

	require.NoError(t, f.engine.windowTick(ctx, at(17, 0)))
	assert.Equal(t, 1, f.rec.Count(store.EventLock))
	ss := f.sessions(t, at(0, 0))
	require.Len(t, ss, 1)
	assert.Equal(t, session.EndTimeWindow, ss[0].EndReason)
}

func TestLimitWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), time.Hour+55*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.engine.limitTick(ctx, at(11, 56)))
	require.NoError(t, f.engine.limitTick(ctx, at(11, 57)))
	require.Equal(t, 1, f.rec.Count(store.EventWarn))
	assert.Contains(t, f.rec.Actions()[0].Reason, "5 minute(s)")

	// a new day forgets the warning
	f.engine.forgetWarnings("2024-06-04")
	assert.False(t, f.engine.warnedAlready(warnKey{profileID: f.profile.ID, day: "2024-06-03", scope: "limit", threshold: 5 * time.Minute}))
}

func TestSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, r := range []struct {
		app   string
		start time.Time
		d     time.Duration
	}{
		{"firefox", at(10, 0), 30 * time.Minute},
		{"code", at(10, 30), 30 * time.Minute},
		{"firefox", at(11, 0), 10 * time.Minute},
	} {
		_, err := f.engine.ReportActivity(ctx, "Alice", r.app, r.start, r.d)
		require.NoError(t, err)
	}

	d, err := f.engine.DailyReport(ctx, "Alice", "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, int64(70*60), d.ScreenTimeSeconds)
	assert.Equal(t, int64(40*60), d.CountedSeconds, "education is exempt")
	assert.Equal(t, 120, d.LimitMinutes)
	assert.Equal(t, 1, d.SessionCount)
	assert.Equal(t, 2, d.AppSwitches)
	assert.Equal(t, 2, d.UniqueApps)
	assert.Equal(t, []store.AppUsage{{AppID: "firefox", Seconds: 2400}, {AppID: "code", Seconds: 1800}}, d.TopApps)
	assert.Equal(t, map[string]int64{"uncategorized": 2400, "education": 1800}, d.Categories)

	require.NoError(t, f.engine.summaryTick(ctx, at(12, 0)))
	var stored *store.DailySummary
	var weekly *store.WeeklySummary
	err = f.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if stored, err = tx.DailySummary(f.profile.ID, "2024-06-03"); err != nil {
			return err
		}
		weekly, err = tx.WeeklySummary(f.profile.ID, "2024-06-03")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(70*60), stored.ScreenTimeSeconds)
	require.NotNil(t, weekly)
	assert.Equal(t, "2024-06-09", weekly.WeekEnd)
	assert.Equal(t, 1, weekly.DaysActive)
	assert.Nil(t, weekly.ChangePercent, "no usage the week before")

	// the following week compares with this one
	w, err := f.engine.WeeklyReport(ctx, "Alice", "2024-06-12")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-10", w.WeekStart)
	require.NotNil(t, w.ChangePercent)
	assert.Equal(t, -100.0, *w.ChangePercent)

	_, err = f.engine.DailyReport(ctx, "Alice", "June 3rd")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSummaryTickCatchesUpMissedDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), 10*time.Minute)
	require.NoError(t, err)

	// an earlier tick left 2024-06-03 unwritten for this profile
	f.engine.summarized[f.profile.ID] = at(0, 0)
	wednesday := at(12, 0).AddDate(0, 0, 2)
	require.NoError(t, f.engine.summaryTick(ctx, wednesday))

	for _, day := range []string{"2024-06-03", "2024-06-04", "2024-06-05"} {
		var d *store.DailySummary
		err := f.store.View(ctx, func(tx *store.Tx) error {
			var err error
			d, err = tx.DailySummary(f.profile.ID, day)
			return err
		})
		require.NoError(t, err)
		require.NotNil(t, d, day)
		if day == "2024-06-03" {
			assert.Equal(t, int64(600), d.ScreenTimeSeconds)
		}
	}
	assert.Equal(t, startOfDay(wednesday), f.engine.summarizedThrough(f.profile.ID, startOfDay(wednesday)))
	assert.Equal(t, startOfDay(wednesday).AddDate(0, 0, -1), f.engine.summarizedThrough("other", startOfDay(wednesday)))
}

func TestHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 0), time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.engine.Logout(ctx, "bob"), "accounts without a profile are ignored")
	require.Len(t, f.openSessions(t), 1)

	require.NoError(t, f.engine.Logout(ctx, "alice"))
	assert.Empty(t, f.openSessions(t))
	assert.Equal(t, session.EndLogout, f.sessions(t, at(0, 0))[0].EndReason)

	_, err = f.engine.ReportActivity(ctx, "Alice", "firefox", at(10, 30), time.Minute)
	require.NoError(t, err)
	n, err := f.engine.CloseAll(ctx, session.EndShutdown)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.openSessions(t))
}

func TestBackoff(t *testing.T) {
	b := &backoff{base: 30 * time.Second, max: 5 * time.Minute}
	failure := errors.New("storage unavailable")

	assert.Equal(t, 30*time.Second, b.next(nil))
	assert.Equal(t, time.Minute, b.next(failure))
	assert.Equal(t, 2*time.Minute, b.next(failure))
	assert.Equal(t, 4*time.Minute, b.next(failure))
	assert.Equal(t, 5*time.Minute, b.next(failure))
	assert.Equal(t, 5*time.Minute, b.next(failure))
	assert.Equal(t, 30*time.Second, b.next(nil), "success resets")
}

func TestSplitDays(t *testing.T) {
	start := at(23, 0)
	spans := splitDays(start, start.Add(2*time.Hour), time.UTC)
	require.Len(t, spans, 2)
	assert.Equal(t, at(0, 0).AddDate(0, 0, 1), spans[0].end)
	assert.Equal(t, time.Hour, spans[1].end.Sub(spans[1].start))

	assert.Empty(t, splitDays(start, start, time.UTC))
}

func TestFormatTimeRemaining(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"Less than 1 hour", 45 * time.Minute, "45 minute(s)"},
		{"Exactly 1 hour", time.Hour, "1 hour(s) 0 minute(s)"},
		{"1 hour 30 minutes", 90 * time.Minute, "1 hour(s) 30 minute(s)"},
		{"Less than 1 minute", 30 * time.Second, "0 minute(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatTimeRemaining(tt.duration))
		})
	}
}
