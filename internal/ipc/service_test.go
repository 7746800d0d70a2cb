package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SoarinFerret/FamilyWarden/internal/approval"
	"github.com/SoarinFerret/FamilyWarden/internal/auth"
	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/config"
	"github.com/SoarinFerret/FamilyWarden/internal/engine"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const password = "correct horse"

type fixture struct {
	svc   *Service
	store *store.Store
	clock *clock.Fake
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	cfg, err := config.LoadConfigFromBytes([]byte("[daemon]\ntimezone = \"UTC\"\n"))
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	st, err := store.Open(store.Options{
		Path:     filepath.Join(t.TempDir(), "familywarden.db"),
		PoolSize: 2,
		Logger:   log,
		Clock:    clk,
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := auth.HashPassword(auth.Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 32}, password)
	require.NoError(t, err)
	am := auth.NewManager(auth.Options{
		PasswordHash: hash,
		TokenTTL:     15 * time.Minute,
		Clock:        clk,
		Logger:       log,
		Audit:        st,
	})

	signals := NewEmitter(nil, log)
	svc := NewService(Deps{
		Store:     st,
		Auth:      am,
		Approvals: approval.New(st, signals, cfg.Category, log),
		Engine:    engine.New(engine.Options{Store: st, Config: cfg, Clock: clk, Logger: log, Actuator: signals}),
		Config:    cfg,
		Signals:   signals,
		Logger:    log,
	})

	token, derr := svc.AuthenticateParent(password)
	require.Nil(t, derr)
	return &fixture{svc: svc, store: st, clock: clk, token: token}
}

func (f *fixture) createProfile(t *testing.T, name string) policy.Profile {
	t.Helper()
	out, derr := f.svc.CreateProfileForAccount(name, "8-12", "alice", f.token)
	require.Nil(t, derr)
	var p policy.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	return p
}

func requireDBusError(t *testing.T, derr *dbus.Error, kind errs.Kind) {
	t.Helper()
	require.NotNil(t, derr)
	assert.Equal(t, ErrorName(kind), derr.Name)
}

func TestErrorName(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want string
	}{
		{errs.KindNotFound, "io.github.soarinferret.familywarden.Error.NotFound"},
		{errs.KindConflict, "io.github.soarinferret.familywarden.Error.Conflict"},
		{errs.KindUnauthorized, "io.github.soarinferret.familywarden.Error.Unauthorized"},
		{errs.KindValidation, "io.github.soarinferret.familywarden.Error.Validation"},
		{errs.KindTransient, "io.github.soarinferret.familywarden.Error.Transient"},
		{errs.KindInternal, "io.github.soarinferret.familywarden.Error.Internal"},
		{errs.KindUnknown, "io.github.soarinferret.familywarden.Error.Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorName(tt.kind))
		})
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	_, derr := f.svc.AuthenticateParent("wrong")
	requireDBusError(t, derr, errs.KindUnauthorized)
	assert.Equal(t, []any{msgUnauthorized}, derr.Body)

	ok, derr := f.svc.ValidateSession(f.token)
	require.Nil(t, derr)
	assert.True(t, ok)

	_, derr = f.svc.ListProfiles("not-a-token")
	requireDBusError(t, derr, errs.KindUnauthorized)
	assert.Equal(t, []any{msgUnauthorized}, derr.Body)

	f.clock.Advance(16 * time.Minute)
	ok, _ = f.svc.ValidateSession(f.token)
	assert.False(t, ok, "expired")
	_, derr = f.svc.ListProfiles(f.token)
	requireDBusError(t, derr, errs.KindUnauthorized)
	assert.Equal(t, []any{msgUnauthorized}, derr.Body, "expiry is not distinguishable")

	token, derr := f.svc.AuthenticateParent(password)
	require.Nil(t, derr)
	require.Nil(t, f.svc.RevokeSession(token))
	ok, _ = f.svc.ValidateSession(token)
	assert.False(t, ok)
}

func TestProfilesAndPolicy(t *testing.T) {
	f := newFixture(t)
	p := f.createProfile(t, "Alice")
	assert.Equal(t, policy.AgeMiddle, p.AgeGroup)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, 1, p.Version)

	_, derr := f.svc.CreateProfile("Alice", "8-12", f.token)
	requireDBusError(t, derr, errs.KindConflict)
	_, derr = f.svc.CreateProfile("Bob", "3-4", f.token)
	requireDBusError(t, derr, errs.KindValidation)

	out, derr := f.svc.GetProfile("Alice", f.token)
	require.Nil(t, derr)
	var byName policy.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &byName))
	assert.Equal(t, p.ID, byName.ID)

	_, derr = f.svc.GetProfile("nobody", f.token)
	requireDBusError(t, derr, errs.KindNotFound)

	cfg := p.Config.Clone()
	cfg.ScreenTime.DailyLimitMinutes = 90
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	version, derr := f.svc.UpdatePolicy(p.ID, string(raw), "shorter school days", f.token)
	require.Nil(t, derr)
	assert.Equal(t, int32(2), version)

	_, derr = f.svc.UpdatePolicy(p.ID, `{"screen_time":{},"bogus":1}`, "", f.token)
	requireDBusError(t, derr, errs.KindValidation)

	out, derr = f.svc.ListPolicyVersions("Alice", f.token)
	require.Nil(t, derr)
	var versions []policy.PolicyVersion
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	assert.Len(t, versions, 2)

	out, derr = f.svc.ListProfiles(f.token)
	require.Nil(t, derr)
	var all []policy.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Len(t, all, 1)
}

func TestTimeWindows(t *testing.T) {
	f := newFixture(t)
	f.createProfile(t, "Alice")

	require.Nil(t, f.svc.AddTimeWindow("Alice", "weekday", "16:00", "18:00", f.token))
	requireDBusError(t, f.svc.AddTimeWindow("Alice", "weekday", "17:00", "19:00", f.token), errs.KindConflict)
	requireDBusError(t, f.svc.AddTimeWindow("Alice", "weekday", "18:00", "16:00", f.token), errs.KindValidation)
	requireDBusError(t, f.svc.AddTimeWindow("Alice", "someday", "08:00", "09:00", f.token), errs.KindValidation)
	require.Nil(t, f.svc.AddTimeWindow("Alice", "weekend", "09:00", "21:00", f.token))

	out, derr := f.svc.ListTimeWindows("Alice", f.token)
	require.Nil(t, derr)
	var tw policy.TimeWindows
	require.NoError(t, json.Unmarshal([]byte(out), &tw))
	want, err := policy.NewWindow("16:00", "18:00")
	require.NoError(t, err)
	assert.Equal(t, []policy.Window{want}, tw.Weekday)
	assert.Len(t, tw.Weekend, 1)

	assert.Nil(t, f.svc.RemoveTimeWindow("Alice", "weekday", "06:00", "07:00", f.token), "missing window is not an error")
	require.Nil(t, f.svc.ClearTimeWindows("Alice", "weekend", f.token))
	require.Nil(t, f.svc.ClearTimeWindows("Alice", "", f.token))

	got, err := f.store.ListTimeWindows(context.Background(), "Alice")
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestActivityAndStatus(t *testing.T) {
	f := newFixture(t)
	p := f.createProfile(t, "Alice")
	ts := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC).Unix()

	out, derr := f.svc.ReportActivity("Alice", "firefox", ts, 600)
	require.Nil(t, derr)
	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(600), res.CreditedSeconds)

	allowed, reason, derr := f.svc.CheckAppPolicy("Alice", "steam")
	require.Nil(t, derr)
	assert.False(t, allowed)
	assert.NotEmpty(t, reason)

	_, derr = f.svc.ReportActivity("Alice", "firefox", 0, 60)
	requireDBusError(t, derr, errs.KindValidation)
	for _, secs := range []int64{-1, 86401, 18446744074} {
		_, derr = f.svc.ReportActivity("Alice", "firefox", ts, secs)
		requireDBusError(t, derr, errs.KindValidation)
	}

	out, derr = f.svc.GetStatus(p.ID)
	require.Nil(t, derr)
	var st engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(600), st.UsedSeconds)
	assert.Equal(t, int64(120*60), st.LimitSeconds)

	out, derr = f.svc.GetDailyReport("Alice", "2024-06-03")
	require.Nil(t, derr)
	var daily store.DailySummary
	require.NoError(t, json.Unmarshal([]byte(out), &daily))
	assert.Equal(t, int64(600), daily.ScreenTimeSeconds)

	_, derr = f.svc.GetWeeklyReport("Alice", "June 3rd")
	requireDBusError(t, derr, errs.KindValidation)
}

func TestReportActivityEvent(t *testing.T) {
	f := newFixture(t)
	p := f.createProfile(t, "Alice")
	ts := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC).Unix()

	event := func(kind string, at int64) string {
		b, err := json.Marshal(map[string]any{
			"profile_id": p.ID,
			"app_id":     "firefox",
			"timestamp":  at,
			"event_kind": kind,
		})
		require.NoError(t, err)
		return string(b)
	}

	_, derr := f.svc.ReportActivityEvent(event("focus_start", ts))
	require.Nil(t, derr)
	out, derr := f.svc.ReportActivityEvent(event("heartbeat", ts+60))
	require.Nil(t, derr)
	var res engine.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(60), res.CreditedSeconds)

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "focus"},
		{"unknown field", `{"profile_id":"x","app_id":"a","timestamp":1,"event_kind":"heartbeat","extra":true}`},
		{"bad kind", event("blur", ts)},
		{"missing app", `{"profile_id":"x","timestamp":1,"event_kind":"heartbeat"}`},
		{"zero timestamp", event("heartbeat", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, derr := f.svc.ReportActivityEvent(tt.doc)
			requireDBusError(t, derr, errs.KindValidation)
		})
	}
}

func TestApprovalsAndExceptions(t *testing.T) {
	f := newFixture(t)
	f.createProfile(t, "Alice")

	id, derr := f.svc.SubmitApprovalRequest("Alice", "extra_time", `{"amount_minutes":30,"note":"homework"}`)
	require.Nil(t, derr)
	_, derr = f.svc.SubmitApprovalRequest("Alice", "extra_time", `{"amount_minutes":0}`)
	requireDBusError(t, derr, errs.KindValidation)

	_, derr = f.svc.ListPendingRequests("")
	requireDBusError(t, derr, errs.KindUnauthorized)
	out, derr := f.svc.ListPendingRequests(f.token)
	require.Nil(t, derr)
	var pending []policy.ApprovalRequest
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	require.Nil(t, f.svc.ApproveRequest(id, "ok", f.token))
	requireDBusError(t, f.svc.DenyRequest(id, "changed my mind", f.token), errs.KindNotFound)
	requireDBusError(t, f.svc.ApproveRequest("missing", "", f.token), errs.KindNotFound)

	exID, derr := f.svc.CreateException("Alice", "allow_website", `{"website":"Example.org"}`, 0, "school project", f.token)
	require.Nil(t, derr)
	allowed, _, derr := f.svc.CheckWebsitePolicy("Alice", "example.org")
	require.Nil(t, derr)
	assert.True(t, allowed)

	_, derr = f.svc.CreateException("Alice", "allow_website", `{"website":"example.org"}`,
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), "", f.token)
	requireDBusError(t, derr, errs.KindValidation)
	_, derr = f.svc.CreateException("Alice", "extra_time", `{"website":"example.org"}`, 0, "", f.token)
	requireDBusError(t, derr, errs.KindValidation)

	out, derr = f.svc.ListActiveExceptions("Alice", f.token)
	require.Nil(t, derr)
	var active []policy.Exception
	require.NoError(t, json.Unmarshal([]byte(out), &active))
	assert.Len(t, active, 2, "approved extra time and the website grant")

	require.Nil(t, f.svc.RevokeException(exID, f.token))
	require.Nil(t, f.svc.RevokeException(exID, f.token), "revoking twice succeeds")
	requireDBusError(t, f.svc.RevokeException("missing", f.token), errs.KindNotFound)
}

func TestListAuditLog(t *testing.T) {
	f := newFixture(t)
	f.createProfile(t, "Alice")
	require.Nil(t, f.svc.AddTimeWindow("Alice", "weekday", "16:00", "18:00", f.token))

	out, derr := f.svc.ListAuditLog(2, f.token)
	require.Nil(t, derr)
	var entries []store.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "add_time_window", entries[0].Action)
	assert.Equal(t, "create_profile", entries[1].Action)
	assert.Greater(t, entries[0].ID, entries[1].ID)

	out, derr = f.svc.ListAuditLog(0, f.token)
	require.Nil(t, derr)
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Equal(t, "authenticate", entries[len(entries)-1].Action)
}

func TestEmitterWithoutConnection(t *testing.T) {
	var nilEmitter *Emitter
	nilEmitter.PolicyChanged("p1")
	e := NewEmitter(nil, nil)
	assert.NoError(t, e.Act(context.Background(), engine.Action{ProfileID: "p1", Kind: store.EventWarn, Remaining: time.Minute}))
}

func TestMinutesCeil(t *testing.T) {
	assert.Equal(t, int32(0), minutesCeil(0))
	assert.Equal(t, int32(1), minutesCeil(30*time.Second))
	assert.Equal(t, int32(5), minutesCeil(5*time.Minute))
	assert.Equal(t, int32(6), minutesCeil(5*time.Minute+time.Second))
}

func TestIntrospectionListsMethods(t *testing.T) {
	f := newFixture(t)
	node := introspection(f.svc)
	names := map[string]bool{}
	for _, m := range node.Interfaces[1].Methods {
		names[m.Name] = true
	}
	for _, want := range []string{"AuthenticateParent", "ReportActivity", "ApproveRequest", "ListAuditLog"} {
		assert.True(t, names[want], want)
	}
	assert.False(t, names["createProfile"])
	assert.Len(t, node.Interfaces[1].Signals, 5)
}
