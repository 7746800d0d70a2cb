package ipc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/approval"
	"github.com/SoarinFerret/FamilyWarden/internal/auth"
	"github.com/SoarinFerret/FamilyWarden/internal/config"
	"github.com/SoarinFerret/FamilyWarden/internal/engine"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const (
	defaultAuditLimit = 100
	// maxDurationSeconds bounds ReportActivity durations before they are
	// converted to a time.Duration.
	maxDurationSeconds = 24 * 60 * 60
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Deps struct {
	Store     *store.Store
	Auth      *auth.Manager
	Approvals *approval.Workflow
	Engine    *engine.Engine
	Config    *config.Config
	Signals   *Emitter
	Logger    *zap.Logger
}

// Service is the object exported on the bus. Every exported method with a
// trailing *dbus.Error is a D-Bus method of InterfaceName.
type Service struct {
	store     *store.Store
	auth      *auth.Manager
	approvals *approval.Workflow
	engine    *engine.Engine
	cfg       *config.Config
	signals   *Emitter
	log       *zap.Logger
	timeout   time.Duration
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		auth:      d.Auth,
		approvals: d.Approvals,
		engine:    d.Engine,
		cfg:       d.Config,
		signals:   d.Signals,
		log:       logger.OrNop(d.Logger).Named("ipc"),
		timeout:   d.Config.Daemon.RPCTimeout.D(),
	}
}

func (s *Service) rpcContext() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Service) authorize(token string) error {
	_, err := s.auth.Validate(token)
	return err
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "encode result")
	}
	return string(b), nil
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("invalid JSON document: %v", err)
	}
	return nil
}

// unix converts seconds since the epoch into daemon-local time.
func (s *Service) unix(sec int64) time.Time {
	return time.Unix(sec, 0).In(s.store.Location())
}

// Authentication

func (s *Service) AuthenticateParent(password string) (string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	sess, err := s.auth.Authenticate(ctx, password)
	if err != nil {
		return "", s.toDBus("AuthenticateParent", err)
	}
	return sess.Token, nil
}

func (s *Service) ValidateSession(token string) (bool, *dbus.Error) {
	return s.authorize(token) == nil, nil
}

func (s *Service) RevokeSession(token string) *dbus.Error {
	ctx, cancel := s.rpcContext()
	defer cancel()
	return s.toDBus("RevokeSession", s.auth.Revoke(ctx, token))
}

// Profiles and policy

func (s *Service) CreateProfile(name, ageGroup, token string) (string, *dbus.Error) {
	return s.createProfile("CreateProfile", name, ageGroup, "", token)
}

// CreateProfileForAccount also binds the profile to a local account so
// enforcement can lock that account's sessions.
func (s *Service) CreateProfileForAccount(name, ageGroup, username, token string) (string, *dbus.Error) {
	return s.createProfile("CreateProfileForAccount", name, ageGroup, username, token)
}

func (s *Service) createProfile(method, name, ageGroup, username, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus(method, err)
	}
	group, err := policy.ParseAgeGroup(ageGroup)
	if err != nil {
		return "", s.toDBus(method, err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	p, err := s.store.CreateProfile(ctx, name, group, username, s.cfg.ProfileDefaults(group), store.ActorParent)
	if err != nil {
		return "", s.toDBus(method, err)
	}
	out, err := encode(p)
	return out, s.toDBus(method, err)
}

func (s *Service) GetProfile(profile, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("GetProfile", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	p, err := s.store.GetProfile(ctx, profile)
	if err != nil {
		return "", s.toDBus("GetProfile", err)
	}
	out, err := encode(p)
	return out, s.toDBus("GetProfile", err)
}

func (s *Service) ListProfiles(token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListProfiles", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	ps, err := s.store.ListProfiles(ctx)
	if err != nil {
		return "", s.toDBus("ListProfiles", err)
	}
	out, err := encode(ps)
	return out, s.toDBus("ListProfiles", err)
}

func (s *Service) ListPolicyVersions(profile, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListPolicyVersions", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	vs, err := s.store.PolicyVersions(ctx, profile)
	if err != nil {
		return "", s.toDBus("ListPolicyVersions", err)
	}
	out, err := encode(vs)
	return out, s.toDBus("ListPolicyVersions", err)
}

func (s *Service) UpdatePolicy(profile, configJSON, reason, token string) (int32, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return 0, s.toDBus("UpdatePolicy", err)
	}
	var cfg policy.Config
	if err := decodeStrict(configJSON, &cfg); err != nil {
		return 0, s.toDBus("UpdatePolicy", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	version, err := s.store.UpdatePolicy(ctx, profile, cfg, store.ActorParent, reason)
	if err != nil {
		return 0, s.toDBus("UpdatePolicy", err)
	}
	s.policyChanged(ctx, profile)
	return int32(version), nil
}

func (s *Service) SetProfileActive(profile string, active bool, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("SetProfileActive", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	if err := s.store.SetActive(ctx, profile, active, store.ActorParent); err != nil {
		return s.toDBus("SetProfileActive", err)
	}
	s.policyChanged(ctx, profile)
	return nil
}

// policyChanged signals a change to the profile ref names. The signal
// always carries the id.
func (s *Service) policyChanged(ctx context.Context, ref string) {
	p, err := s.store.GetProfile(ctx, ref)
	if err != nil {
		s.log.Warn("resolve changed profile", zap.String("profile", ref), logger.Err(err))
		return
	}
	s.signals.PolicyChanged(p.ID)
}

// Time windows

func parseWindow(windowType, start, end string) (policy.WindowType, policy.Window, error) {
	t, err := policy.ParseWindowType(windowType)
	if err != nil {
		return "", policy.Window{}, err
	}
	w, err := policy.NewWindow(start, end)
	return t, w, err
}

func (s *Service) AddTimeWindow(profile, windowType, start, end, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("AddTimeWindow", err)
	}
	t, w, err := parseWindow(windowType, start, end)
	if err != nil {
		return s.toDBus("AddTimeWindow", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	if err := s.store.AddTimeWindow(ctx, profile, t, w, store.ActorParent); err != nil {
		return s.toDBus("AddTimeWindow", err)
	}
	s.policyChanged(ctx, profile)
	return nil
}

// RemoveTimeWindow succeeds whether or not the window existed.
func (s *Service) RemoveTimeWindow(profile, windowType, start, end, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("RemoveTimeWindow", err)
	}
	t, w, err := parseWindow(windowType, start, end)
	if err != nil {
		return s.toDBus("RemoveTimeWindow", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	removed, err := s.store.RemoveTimeWindow(ctx, profile, t, w, store.ActorParent)
	if err != nil {
		return s.toDBus("RemoveTimeWindow", err)
	}
	if removed {
		s.policyChanged(ctx, profile)
	}
	return nil
}

func (s *Service) ListTimeWindows(profile, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListTimeWindows", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	tw, err := s.store.ListTimeWindows(ctx, profile)
	if err != nil {
		return "", s.toDBus("ListTimeWindows", err)
	}
	out, err := encode(tw)
	return out, s.toDBus("ListTimeWindows", err)
}

// ClearTimeWindows empties the windows of one type, or of every type when
// windowType is empty or "all".
func (s *Service) ClearTimeWindows(profile, windowType, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("ClearTimeWindows", err)
	}
	var types []policy.WindowType
	if wt := strings.TrimSpace(windowType); wt != "" && !strings.EqualFold(wt, "all") {
		t, err := policy.ParseWindowType(wt)
		if err != nil {
			return s.toDBus("ClearTimeWindows", err)
		}
		types = append(types, t)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	cleared, err := s.store.ClearTimeWindows(ctx, profile, types, store.ActorParent)
	if err != nil {
		return s.toDBus("ClearTimeWindows", err)
	}
	if cleared {
		s.policyChanged(ctx, profile)
	}
	return nil
}

// Policy checks and activity

func (s *Service) CheckAppPolicy(profile, appID string) (bool, string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	d, err := s.engine.CheckApp(ctx, profile, appID)
	if err != nil {
		return false, "", s.toDBus("CheckAppPolicy", err)
	}
	return d.Allowed, d.Reason, nil
}

func (s *Service) CheckWebsitePolicy(profile, domain string) (bool, string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	d, err := s.engine.CheckWebsite(ctx, profile, domain)
	if err != nil {
		return false, "", s.toDBus("CheckWebsitePolicy", err)
	}
	return d.Allowed, d.Reason, nil
}

func (s *Service) ReportActivity(profile, appID string, ts, durationSeconds int64) (string, *dbus.Error) {
	if ts <= 0 {
		return "", s.toDBus("ReportActivity", errs.Validation("timestamp must be a positive unix time"))
	}
	if durationSeconds < 0 || durationSeconds > maxDurationSeconds {
		return "", s.toDBus("ReportActivity", errs.Validation("duration must be between 0 and %d seconds", maxDurationSeconds))
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	res, err := s.engine.ReportActivity(ctx, profile, appID, s.unix(ts), time.Duration(durationSeconds)*time.Second)
	if err != nil {
		return "", s.toDBus("ReportActivity", err)
	}
	out, err := encode(res)
	return out, s.toDBus("ReportActivity", err)
}

// activityEvent is the wire form of one activity feed observation.
type activityEvent struct {
	ProfileID   string `json:"profile_id" validate:"required,max=100"`
	AppID       string `json:"app_id" validate:"required,max=255"`
	WindowTitle string `json:"window_title" validate:"max=1024"`
	Timestamp   int64  `json:"timestamp" validate:"gt=0"`
	EventKind   string `json:"event_kind" validate:"required,oneof=focus_start focus_end heartbeat"`
}

func (s *Service) ReportActivityEvent(eventJSON string) (string, *dbus.Error) {
	var ev activityEvent
	if err := decodeStrict(eventJSON, &ev); err != nil {
		return "", s.toDBus("ReportActivityEvent", err)
	}
	if err := validate.Struct(ev); err != nil {
		return "", s.toDBus("ReportActivityEvent", errs.Validation("invalid activity event: %v", err))
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	res, err := s.engine.ReportEvent(ctx, engine.ActivityEvent{
		ProfileID:   ev.ProfileID,
		AppID:       ev.AppID,
		WindowTitle: ev.WindowTitle,
		Timestamp:   s.unix(ev.Timestamp),
		Kind:        engine.FeedKind(ev.EventKind),
	})
	if err != nil {
		return "", s.toDBus("ReportActivityEvent", err)
	}
	out, err := encode(res)
	return out, s.toDBus("ReportActivityEvent", err)
}

func (s *Service) ReportVerdict(profile, resource, riskLevel, action string) *dbus.Error {
	ctx, cancel := s.rpcContext()
	defer cancel()
	return s.toDBus("ReportVerdict", s.engine.ReportVerdict(ctx, profile, resource, riskLevel, action))
}

func (s *Service) GetStatus(profile string) (string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	st, err := s.engine.Status(ctx, profile)
	if err != nil {
		return "", s.toDBus("GetStatus", err)
	}
	out, err := encode(st)
	return out, s.toDBus("GetStatus", err)
}

// Approvals

func (s *Service) SubmitApprovalRequest(profile, requestType, detailsJSON string) (string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	r, err := s.approvals.Submit(ctx, profile, requestType, []byte(detailsJSON))
	if err != nil {
		return "", s.toDBus("SubmitApprovalRequest", err)
	}
	return r.ID, nil
}

func (s *Service) ListPendingRequests(token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListPendingRequests", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	rs, err := s.approvals.ListPending(ctx)
	if err != nil {
		return "", s.toDBus("ListPendingRequests", err)
	}
	out, err := encode(rs)
	return out, s.toDBus("ListPendingRequests", err)
}

func (s *Service) ApproveRequest(id, message, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("ApproveRequest", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	_, err := s.approvals.Approve(ctx, id, message, store.ActorParent)
	return s.toDBus("ApproveRequest", err)
}

func (s *Service) DenyRequest(id, message, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("DenyRequest", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	_, err := s.approvals.Deny(ctx, id, message, store.ActorParent)
	return s.toDBus("DenyRequest", err)
}

// Exceptions

// CreateException grants an exception directly. An expiresAt of zero
// means the end of the current day.
func (s *Service) CreateException(profile, exceptionType, payloadJSON string, expiresAt int64, reason, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("CreateException", err)
	}
	t, err := policy.ParseExceptionType(exceptionType)
	if err != nil {
		return "", s.toDBus("CreateException", err)
	}
	grant, err := policy.DecodeGrant(t, []byte(payloadJSON))
	if err != nil {
		return "", s.toDBus("CreateException", err)
	}
	expires := policy.DayEnd(s.store.Now())
	if expiresAt != 0 {
		expires = s.unix(expiresAt)
	}
	ex := &policy.Exception{
		Type:      t,
		Grant:     grant,
		Reason:    strings.TrimSpace(reason),
		ExpiresAt: expires,
		Active:    true,
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	if err := s.store.CreateException(ctx, profile, ex, store.ActorParent); err != nil {
		return "", s.toDBus("CreateException", err)
	}
	s.signals.PolicyChanged(ex.ProfileID)
	return ex.ID, nil
}

func (s *Service) ListActiveExceptions(profile, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListActiveExceptions", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	exs, err := s.store.ListActiveExceptions(ctx, profile)
	if err != nil {
		return "", s.toDBus("ListActiveExceptions", err)
	}
	out, err := encode(exs)
	return out, s.toDBus("ListActiveExceptions", err)
}

func (s *Service) RevokeException(id, token string) *dbus.Error {
	if err := s.authorize(token); err != nil {
		return s.toDBus("RevokeException", err)
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	return s.toDBus("RevokeException", s.store.RevokeException(ctx, id, store.ActorParent))
}

// Reports and audit

func (s *Service) GetDailyReport(profile, date string) (string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	d, err := s.engine.DailyReport(ctx, profile, date)
	if err != nil {
		return "", s.toDBus("GetDailyReport", err)
	}
	out, err := encode(d)
	return out, s.toDBus("GetDailyReport", err)
}

func (s *Service) GetWeeklyReport(profile, weekStart string) (string, *dbus.Error) {
	ctx, cancel := s.rpcContext()
	defer cancel()
	w, err := s.engine.WeeklyReport(ctx, profile, weekStart)
	if err != nil {
		return "", s.toDBus("GetWeeklyReport", err)
	}
	out, err := encode(w)
	return out, s.toDBus("GetWeeklyReport", err)
}

// ListAuditLog returns the newest entries first. A limit of zero or less
// returns the default page.
func (s *Service) ListAuditLog(limit int32, token string) (string, *dbus.Error) {
	if err := s.authorize(token); err != nil {
		return "", s.toDBus("ListAuditLog", err)
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	entries, err := s.store.ListAudit(ctx, int(limit))
	if err != nil {
		return "", s.toDBus("ListAuditLog", err)
	}
	out, err := encode(entries)
	return out, s.toDBus("ListAuditLog", err)
}
