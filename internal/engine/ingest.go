package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// FeedKind is the kind of an event from the activity feed.
type FeedKind string

const (
	FocusStart FeedKind = "focus_start"
	FocusEnd   FeedKind = "focus_end"
	Heartbeat  FeedKind = "heartbeat"
)

func ParseFeedKind(s string) (FeedKind, error) {
	switch k := FeedKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FocusStart, FocusEnd, Heartbeat:
		return k, nil
	}
	return "", errs.Validation("invalid event kind %q: expected focus_start, focus_end or heartbeat", s)
}

// ActivityEvent is one observation from the activity feed.
type ActivityEvent struct {
	ProfileID   string
	AppID       string
	WindowTitle string
	Timestamp   time.Time
	Kind        FeedKind
}

// maxReportSpan bounds a single duration report.
const maxReportSpan = 24 * time.Hour

// Result is the outcome of one activity report.
type Result struct {
	Allowed         bool              `json:"allowed"`
	Reason          string            `json:"reason"`
	Warn            bool              `json:"warn,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	CreditedSeconds int64             `json:"credited_seconds"`
	Actions         []store.EventKind `json:"actions,omitempty"`
}

type report struct {
	app   string
	title string
	start time.Time
	end   time.Time
	// kind is empty for duration reports.
	kind FeedKind
}

// ReportActivity records that app was in use for duration starting at ts.
func (e *Engine) ReportActivity(ctx context.Context, ref, app string, ts time.Time, duration time.Duration) (*Result, error) {
	if duration < 0 || duration > maxReportSpan {
		return nil, errs.Validation("duration must be between 0 and %s", maxReportSpan)
	}
	return e.ingest(ctx, ref, report{app: app, start: ts, end: ts.Add(duration)})
}

// ReportEvent records a focus change or heartbeat. The time since the
// previous observation is credited to the session when it is shorter than
// the idle timeout.
func (e *Engine) ReportEvent(ctx context.Context, ev ActivityEvent) (*Result, error) {
	kind, err := ParseFeedKind(string(ev.Kind))
	if err != nil {
		return nil, err
	}
	if len(ev.WindowTitle) > 1024 {
		return nil, errs.Validation("window_title must be at most 1024 characters")
	}
	return e.ingest(ctx, ev.ProfileID, report{
		app:   ev.AppID,
		title: ev.WindowTitle,
		start: ev.Timestamp,
		end:   ev.Timestamp,
		kind:  kind,
	})
}

func (e *Engine) ingest(ctx context.Context, ref string, r report) (*Result, error) {
	r.app = strings.TrimSpace(r.app)
	if r.app == "" {
		return nil, errs.Validation("app_id is required")
	}
	if r.start.IsZero() {
		return nil, errs.Validation("timestamp is required")
	}
	r.start, r.end = r.start.In(e.loc), r.end.In(e.loc)

	target, err := e.store.GetProfile(ctx, ref)
	if err != nil {
		return nil, err
	}

	var (
		res Result
		b   *batch
	)
	err = e.store.Update(ctx, target.ID, func(tx *store.Tx) error {
		res = Result{}
		now := tx.Now()
		p, exs, err := e.load(tx, target.ID, now)
		if err != nil {
			return err
		}
		if p == nil {
			res = Result{Allowed: true, Reason: "profile is inactive"}
			return nil
		}
		if eval.Suspended(exs, now) {
			res = Result{Allowed: true, Reason: "monitoring suspended"}
			return nil
		}

		b = &batch{tx: tx, p: p}
		changed, err := e.account(b, exs, r, &res)
		if err != nil {
			return err
		}
		for _, a := range b.actions {
			res.Actions = append(res.Actions, a.Kind)
		}
		if !changed && len(b.actions) == 0 {
			return nil
		}
		details := map[string]any{
			"app_id":           r.app,
			"allowed":          res.Allowed,
			"reason":           res.Reason,
			"credited_seconds": res.CreditedSeconds,
		}
		if r.kind != "" {
			details["event_kind"] = r.kind
		}
		if len(res.Actions) > 0 {
			details["actions"] = res.Actions
		}
		return tx.Audit(store.ActorFeed, "report_activity", "profile", p.ID, true, details)
	})
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		e.log.Info("activity refused", logger.Profile(target.ID), logger.App(r.app), zap.String("reason", res.Reason))
	}
	e.finish(ctx, b)
	return &res, nil
}

// account applies one report to a profile inside its transaction and
// reports whether it changed any state.
func (e *Engine) account(b *batch, exs []policy.Exception, r report, res *Result) (bool, error) {
	tx, p := b.tx, b.p
	category := e.cfg.Category(r.app)
	verdict, err := tx.Verdict(p.ID, r.app)
	if err != nil {
		return false, err
	}

	d := eval.CheckApp(p.Config, r.app, category, exs, verdict, tx.Now())
	res.Allowed, res.Reason, res.Warn = d.Allowed, d.Reason, d.Warn
	if !d.Allowed {
		violation := &store.EnforcementEvent{ProfileID: p.ID, At: r.start, Kind: store.EventViolation, Reason: d.Reason, AppID: r.app}
		if err := tx.InsertEvent(violation); err != nil {
			return false, err
		}
		return true, b.add(Action{Kind: store.EventBlock, Reason: d.Reason, AppID: r.app, At: r.start})
	}

	if ok, _ := eval.PermitAt(p.Config, r.start, e.holidays); !ok {
		res.Allowed, res.Reason = false, reasonWindow
		return false, e.leaveWindow(b, r.start)
	}

	u, err := e.enforceLimit(b, r.start)
	if err != nil {
		return false, err
	}
	changed := u.Consumed > 0
	if u.Over() {
		res.Allowed, res.Reason = false, reasonLimit
		return changed, nil
	}

	sess, err := e.openSession(tx, p.ID)
	if err != nil {
		return changed, err
	}
	if sess == nil {
		if sess, err = tx.StartSession(p.ID, r.start, r.app); err != nil {
			return changed, err
		}
		changed = true
	}
	res.SessionID = sess.ID

	end := r.end
	if windowEnd, ok := eval.WindowEnd(p.Config, r.start, e.holidays); ok && end.After(windowEnd) {
		end = windowEnd
	}
	before := *sess
	credit := sess.Credit(r.start, end, e.idleTimeout)
	if r.kind == FocusEnd {
		sess.CurrentApp = ""
	} else {
		sess.CurrentApp = r.app
	}
	if *sess != before {
		if err := tx.SaveSession(sess); err != nil {
			return changed, err
		}
		changed = true
	}

	if credit.Active > 0 {
		exempt := eval.Exempt(p.Config, category)
		for _, span := range splitDays(credit.Start, credit.Watermark, e.loc) {
			secs := int64(span.end.Sub(span.start) / time.Second)
			if secs == 0 {
				continue
			}
			err := tx.InsertActivity(&store.Activity{
				ProfileID:   p.ID,
				SessionID:   sess.ID,
				AppID:       r.app,
				Category:    category,
				WindowTitle: r.title,
				StartedAt:   span.start,
				Seconds:     secs,
				Exempt:      exempt,
			})
			if err != nil {
				return changed, err
			}
			res.CreditedSeconds += secs
		}

		u, err := e.enforceLimit(b, credit.Watermark)
		if err != nil {
			return changed, err
		}
		if u.Over() {
			res.Allowed, res.Reason = false, reasonLimit
			return true, nil
		}
	}

	if d.Warn {
		key := warnKey{profileID: p.ID, day: tx.Day(r.start), scope: "app " + strings.ToLower(r.app)}
		if err := e.warn(b, key, Action{Reason: d.Reason, AppID: r.app, At: r.start}); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

type span struct{ start, end time.Time }

// splitDays cuts [start, end) at local midnights.
func splitDays(start, end time.Time, loc *time.Location) []span {
	var out []span
	start, end = start.In(loc), end.In(loc)
	for start.Before(end) {
		y, m, d := start.Date()
		midnight := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		if !midnight.Before(end) {
			out = append(out, span{start, end})
			break
		}
		out = append(out, span{start, midnight})
		start = midnight
	}
	return out
}

// CheckApp decides whether app may run for a profile right now without
// recording anything.
func (e *Engine) CheckApp(ctx context.Context, ref, app string) (eval.Decision, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return eval.Decision{}, errs.Validation("app_id is required")
	}
	var d eval.Decision
	err := e.store.View(ctx, func(tx *store.Tx) error {
		p, exs, ok, err := e.checkable(tx, ref, &d)
		if err != nil || !ok {
			return err
		}
		verdict, err := tx.Verdict(p.ID, app)
		if err != nil {
			return err
		}
		d = eval.CheckApp(p.Config, app, e.cfg.Category(app), exs, verdict, tx.Now())
		return nil
	})
	return d, err
}

// CheckWebsite decides whether domain may be visited. A classifier block
// verdict for the domain overrides the lists.
func (e *Engine) CheckWebsite(ctx context.Context, ref, domain string) (eval.Decision, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return eval.Decision{}, errs.Validation("domain is required")
	}
	var d eval.Decision
	err := e.store.View(ctx, func(tx *store.Tx) error {
		p, exs, ok, err := e.checkable(tx, ref, &d)
		if err != nil || !ok {
			return err
		}
		verdict, err := tx.Verdict(p.ID, domain)
		if err != nil {
			return err
		}
		d = eval.CheckWebsite(p.Config, domain, exs, tx.Now())
		switch {
		case verdict == nil:
		case verdict.Action == policy.VerdictBlock:
			d = eval.Decision{Allowed: false, Reason: "blocked by risk classifier (" + verdict.RiskLevel + ")"}
		case verdict.Action == policy.VerdictWarn && d.Allowed:
			d.Warn = true
			d.Reason = "allowed with warning (" + verdict.RiskLevel + ")"
		}
		return nil
	})
	return d, err
}

// checkable loads the profile for a policy check. ok is false when the
// profile is inactive or suspended, in which case d is already decided.
func (e *Engine) checkable(tx *store.Tx, ref string, d *eval.Decision) (*policy.Profile, []policy.Exception, bool, error) {
	p, err := tx.ResolveProfile(ref)
	if err != nil {
		return nil, nil, false, err
	}
	if !p.Active {
		*d = eval.Decision{Allowed: true, Reason: "profile is inactive"}
		return p, nil, false, nil
	}
	exs, err := tx.ActiveExceptions(p.ID, tx.Now())
	if err != nil {
		return nil, nil, false, err
	}
	if eval.Suspended(exs, tx.Now()) {
		*d = eval.Decision{Allowed: true, Reason: "monitoring suspended"}
		return p, exs, false, nil
	}
	return p, exs, true, nil
}

// ReportVerdict stores a risk classifier's verdict about a resource. It
// takes effect on the next check of that resource.
func (e *Engine) ReportVerdict(ctx context.Context, ref, resource, riskLevel, action string) error {
	p, err := e.store.GetProfile(ctx, ref)
	if err != nil {
		return err
	}
	v := policy.Verdict{
		ProfileID: p.ID,
		Resource:  strings.TrimSpace(resource),
		RiskLevel: strings.ToLower(strings.TrimSpace(riskLevel)),
		Action:    policy.VerdictAction(strings.ToLower(strings.TrimSpace(action))),
	}
	if err := v.Validate(); err != nil {
		return err
	}
	err = e.store.Update(ctx, p.ID, func(tx *store.Tx) error {
		if err := tx.PutVerdict(v); err != nil {
			return err
		}
		return tx.Audit(store.ActorClassifier, "report_verdict", "profile", p.ID, true, map[string]any{
			"resource":   v.Resource,
			"risk_level": v.RiskLevel,
			"action":     v.Action,
		})
	})
	if err != nil {
		return err
	}
	e.log.Info("classifier verdict", logger.Profile(p.ID), zap.String("resource", v.Resource),
		zap.String("risk_level", v.RiskLevel), zap.String("action", string(v.Action)))
	return nil
}
