package store

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
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
)

var monday = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(monday)
	s, err := Open(Options{
		Path:     filepath.Join(t.TempDir(), "familywarden.db"),
		PoolSize: 4,
		Logger:   zaptest.NewLogger(t),
		Clock:    clk,
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func mustWindow(t *testing.T, start, end string) policy.Window {
	t.Helper()
	w, err := policy.NewWindow(start, end)
	require.NoError(t, err)
	return w
}

func TestCreateProfile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "alice", policy.Config{}, ActorParent)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.True(t, p.Active)

	_, err = s.CreateProfile(ctx, "Alice", policy.AgeTeen, "", policy.Config{}, ActorParent)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	_, err = s.CreateProfile(ctx, "Bob", policy.AgeGroup("3-4"), "", policy.Config{}, ActorParent)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	byName, err := s.GetProfile(ctx, "Alice")
	require.NoError(t, err)
	byID, err := s.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, byName.ID, byID.ID)

	_, err = s.GetProfile(ctx, "nobody")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create_profile", entries[0].Action)
	assert.Equal(t, p.ID, entries[0].ResourceID)
}

func TestTimeWindows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	require.NoError(t, s.AddTimeWindow(ctx, p.ID, policy.Weekday, mustWindow(t, "15:00", "19:00"), ActorParent))
	require.NoError(t, s.AddTimeWindow(ctx, p.ID, policy.Weekday, mustWindow(t, "07:00", "08:00"), ActorParent))
	// touching is not overlapping
	require.NoError(t, s.AddTimeWindow(ctx, p.ID, policy.Weekday, mustWindow(t, "08:00", "09:00"), ActorParent))

	err = s.AddTimeWindow(ctx, p.ID, policy.Weekday, mustWindow(t, "18:00", "20:00"), ActorParent)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	tw, err := s.ListTimeWindows(ctx, "Alice")
	require.NoError(t, err)
	require.Len(t, tw.Weekday, 3)
	assert.Equal(t, "07:00-08:00", tw.Weekday[0].String())
	assert.Equal(t, "08:00-09:00", tw.Weekday[1].String())
	assert.Equal(t, "15:00-19:00", tw.Weekday[2].String())
	assert.Empty(t, tw.Weekend)

	versions, err := s.PolicyVersions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 4, "rejected overlap must not create a version")

	removed, err := s.RemoveTimeWindow(ctx, p.ID, policy.Weekend, mustWindow(t, "09:00", "10:00"), ActorParent)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveTimeWindow(ctx, p.ID, policy.Weekday, mustWindow(t, "08:00", "09:00"), ActorParent)
	require.NoError(t, err)
	assert.True(t, removed)

	cleared, err := s.ClearTimeWindows(ctx, p.ID, []policy.WindowType{policy.Holiday}, ActorParent)
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = s.ClearTimeWindows(ctx, p.ID, nil, ActorParent)
	require.NoError(t, err)
	assert.True(t, cleared)

	versions, err = s.PolicyVersions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 6)

	// create, 3 adds, rejected add rolled back, 2 removes, 2 clears
	entries, err := s.ListAudit(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestUpdatePolicyValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	cfg := policy.Config{}
	cfg.ScreenTime.DailyLimitMinutes = 120
	v, err := s.UpdatePolicy(ctx, p.Name, cfg, ActorParent, "school term")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	bad := policy.Config{}
	bad.ScreenTime.DailyLimitMinutes = -5
	_, err = s.UpdatePolicy(ctx, p.ID, bad, ActorParent, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	got, err := s.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 120, got.Config.ScreenTime.DailyLimitMinutes)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendAudit(ctx, ActorParent, "login", "auth", "", false, nil))

	tests := []struct {
		name  string
		query string
	}{
		{"update", `UPDATE audit_log SET actor = 'mallory'`},
		{"delete", `DELETE FROM audit_log`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(ctx, globalKey, func(tx *Tx) error {
				return tx.exec(tt.query)
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrInternal))
		})
	}

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActorParent, entries[0].Actor)
	assert.False(t, entries[0].Success)
}

func TestExceptions(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	for _, minutes := range []int{15, 30} {
		ex := &policy.Exception{
			Type:      policy.ExtraTime,
			Grant:     policy.ExtraTimeGrant{AmountMinutes: minutes},
			ExpiresAt: policy.DayEnd(clk.Now()),
		}
		require.NoError(t, s.CreateException(ctx, p.ID, ex, ActorParent))
		clk.Advance(time.Second)
	}

	mismatched := &policy.Exception{Type: policy.AllowApp, Grant: policy.ExtraTimeGrant{AmountMinutes: 5}, ExpiresAt: policy.DayEnd(clk.Now())}
	err = s.CreateException(ctx, p.ID, mismatched, ActorParent)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	active, err := s.ListActiveExceptions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)

	day := policy.DayKey(clk.Now())
	err = s.Update(ctx, p.ID, func(tx *Tx) error {
		minutes, err := tx.ConsumeExtraTime(p.ID, day, tx.Now())
		require.NoError(t, err)
		assert.Equal(t, 15, minutes, "oldest grant is consumed first")
		consumed, err := tx.ConsumedExtraMinutes(p.ID, day)
		require.NoError(t, err)
		assert.Equal(t, 15, consumed)
		return nil
	})
	require.NoError(t, err)

	active, err = s.ListActiveExceptions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.RevokeException(ctx, active[0].ID, ActorParent))
	require.NoError(t, s.RevokeException(ctx, active[0].ID, ActorParent), "revoke is idempotent")
	assert.True(t, errors.Is(s.RevokeException(ctx, "missing", ActorParent), errs.ErrNotFound))

	active, err = s.ListActiveExceptions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	// expired grants are not live
	ex := &policy.Exception{Type: policy.AllowApp, Grant: policy.AllowAppGrant{AppID: "steam"}, ExpiresAt: clk.Now().Add(time.Minute)}
	require.NoError(t, s.CreateException(ctx, p.ID, ex, ActorParent))
	clk.Advance(2 * time.Minute)
	active, err = s.ListActiveExceptions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestResolveRequestOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	r := &policy.ApprovalRequest{ProfileID: p.ID, Type: policy.ExtraTime, Details: policy.ExtraTimeRequest{AmountMinutes: 30}}
	require.NoError(t, s.Update(ctx, p.ID, func(tx *Tx) error { return tx.InsertRequest(r) }))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		notFound  int
	)
	for _, status := range []policy.RequestStatus{policy.StatusApproved, policy.StatusDenied, policy.StatusApproved} {
		wg.Add(1)
		go func(status policy.RequestStatus) {
			defer wg.Done()
			err := s.Update(ctx, p.ID, func(tx *Tx) error {
				current, err := tx.Request(r.ID)
				if err != nil {
					return err
				}
				return tx.ResolveRequest(current, status, ActorParent, "")
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrNotFound):
				notFound++
			}
		}(status)
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, notFound)

	err = s.View(ctx, func(tx *Tx) error {
		pending, err := tx.PendingRequests()
		assert.Empty(t, pending)
		return err
	})
	require.NoError(t, err)
}

func TestRecover(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	start := clk.Now()
	require.NoError(t, s.Update(ctx, p.ID, func(tx *Tx) error {
		if _, err := tx.StartSession(p.ID, start, "firefox"); err != nil {
			return err
		}
		_, err := tx.StartSession(p.ID, start.Add(time.Minute), "firefox")
		return err
	}))
	heartbeat := start.Add(10 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, heartbeat))

	clk.Advance(time.Hour)
	closed, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	err = s.View(ctx, func(tx *Tx) error {
		open, err := tx.OpenSessions()
		require.NoError(t, err)
		assert.Empty(t, open)
		all, err := tx.Sessions(p.ID, start, clk.Now())
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, ss := range all {
			assert.Equal(t, session.EndCrash, ss.EndReason)
			assert.True(t, ss.EndTime.Equal(heartbeat))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLimitTripOncePerDay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProfile(ctx, "Alice", policy.AgeMiddle, "", policy.Config{}, ActorParent)
	require.NoError(t, err)

	err = s.Update(ctx, p.ID, func(tx *Tx) error {
		first, err := tx.TripLimit(p.ID, "2024-06-03", tx.Now())
		require.NoError(t, err)
		assert.True(t, first)
		again, err := tx.TripLimit(p.ID, "2024-06-03", tx.Now())
		require.NoError(t, err)
		assert.False(t, again)
		tripped, err := tx.LimitTripped(p.ID, "2024-06-04")
		require.NoError(t, err)
		assert.False(t, tripped)
		return nil
	})
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.True(t, errors.Is(classify(context.DeadlineExceeded), errs.ErrTransient))
	assert.True(t, errors.Is(classify(errs.NotFound("x")), errs.ErrNotFound))
	assert.True(t, errors.Is(classify(errors.New("disk on fire")), errs.ErrInternal))
}

func TestUpdateHonoursCancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	release, err := s.lock(context.Background(), "p1")
	require.NoError(t, err)
	defer release()

	cancel()
	err = s.Update(ctx, "p1", func(*Tx) error { return nil })
	assert.True(t, errors.Is(err, errs.ErrTransient))
}
