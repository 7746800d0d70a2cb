// Package eval holds the pure policy decisions: whether a moment falls in
// an allowed window, what today's limit is, and whether an app or website
// may be used. Nothing here touches storage.
package eval

import (
	"slices"
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

// Holidays is a set of calendar days (policy.DayKey) treated as holidays.
type Holidays map[string]bool

func NewHolidays(days []string) Holidays {
	h := make(Holidays, len(days))
	for _, d := range days {
		h[d] = true
	}
	return h
}

// WindowType returns which window list governs the calendar day of t.
func WindowType(t time.Time, holidays Holidays) policy.WindowType {
	if holidays[policy.DayKey(t)] {
		return policy.Holiday
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return policy.Weekend
	}
	return policy.Weekday
}

// WindowsFor returns the windows that apply on t's day. Holidays without
// their own windows fall back to the weekend list.
func WindowsFor(cfg policy.Config, t time.Time, holidays Holidays) []policy.Window {
	wt := WindowType(t, holidays)
	ws := cfg.ScreenTime.Windows.Of(wt)
	if wt == policy.Holiday && len(ws) == 0 {
		ws = cfg.ScreenTime.Windows.Of(policy.Weekend)
	}
	return ws
}

// PermitAt reports whether t falls inside an allowed window, and which one.
// A profile without any windows is unrestricted by time of day; a profile
// with windows but none for t's day is not permitted that day.
func PermitAt(cfg policy.Config, t time.Time, holidays Holidays) (bool, *policy.Window) {
	if cfg.ScreenTime.Windows.Empty() {
		return true, nil
	}
	c := policy.ClockOf(t)
	for _, w := range WindowsFor(cfg, t, holidays) {
		if w.Contains(c) {
			return true, &w
		}
	}
	return false, nil
}

// NextWindowStart returns the start of the next window later on t's day.
func NextWindowStart(cfg policy.Config, t time.Time, holidays Holidays) (time.Time, bool) {
	c := policy.ClockOf(t)
	for _, w := range WindowsFor(cfg, t, holidays) {
		if w.Start > c {
			return w.Start.On(t), true
		}
	}
	return time.Time{}, false
}

// DailyLimit returns the base limit for t's day, including the weekend
// bonus on weekends and holidays. Zero means unlimited.
func DailyLimit(cfg policy.Config, t time.Time, holidays Holidays) time.Duration {
	minutes := cfg.ScreenTime.DailyLimitMinutes
	if minutes <= 0 {
		return 0
	}
	if WindowType(t, holidays) != policy.Weekday {
		minutes += cfg.ScreenTime.WeekendBonusMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Exempt reports whether usage in category is not counted toward the limit.
func Exempt(cfg policy.Config, category string) bool {
	return category != "" && slices.Contains(cfg.ScreenTime.ExemptCategories, category)
}

// Suspended reports whether a live suspend_monitoring exception exists.
func Suspended(exceptions []policy.Exception, now time.Time) bool {
	for _, ex := range exceptions {
		if ex.Type == policy.SuspendMonitoring && ex.Live(now) {
			return true
		}
	}
	return false
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Warn    bool   `json:"warn,omitempty"`
}

// CheckApp decides whether app may run. A live allow_app exception wins,
// then a classifier block verdict, the deny-list, blocked categories and
// finally a non-empty allow-list. An empty allow-list is unrestricted.
func CheckApp(cfg policy.Config, app, category string, exceptions []policy.Exception, verdict *policy.Verdict, now time.Time) Decision {
	app = strings.TrimSpace(app)
	for _, ex := range exceptions {
		if g, ok := ex.Grant.(policy.AllowAppGrant); ok && ex.Live(now) && strings.EqualFold(g.AppID, app) {
			return Decision{Allowed: true, Reason: "allowed by exception"}
		}
	}
	if verdict != nil && verdict.Action == policy.VerdictBlock {
		return Decision{Allowed: false, Reason: "blocked by risk classifier (" + verdict.RiskLevel + ")"}
	}
	if containsFold(cfg.Applications.Blocked, app) {
		return Decision{Allowed: false, Reason: "application is blocked"}
	}
	if category != "" && containsFold(cfg.Applications.BlockedCategories, category) {
		return Decision{Allowed: false, Reason: "category " + category + " is blocked"}
	}
	if len(cfg.Applications.Allowed) > 0 && !containsFold(cfg.Applications.Allowed, app) {
		return Decision{Allowed: false, Reason: "application is not in the allowed list"}
	}
	d := Decision{Allowed: true, Reason: "allowed"}
	if verdict != nil && verdict.Action == policy.VerdictWarn {
		d.Warn = true
		d.Reason = "allowed with warning (" + verdict.RiskLevel + ")"
	}
	return d
}

// CheckWebsite decides whether domain may be visited. Subdomains match
// their parent entries.
func CheckWebsite(cfg policy.Config, domain string, exceptions []policy.Exception, now time.Time) Decision {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	for _, ex := range exceptions {
		if g, ok := ex.Grant.(policy.AllowWebsiteGrant); ok && ex.Live(now) && domainMatch(domain, g.Website) {
			return Decision{Allowed: true, Reason: "allowed by exception"}
		}
	}
	wf := cfg.WebFiltering
	if !wf.Enabled {
		return Decision{Allowed: true, Reason: "web filtering disabled"}
	}
	for _, b := range wf.BlockedDomains {
		if domainMatch(domain, b) {
			return Decision{Allowed: false, Reason: "domain is blocked"}
		}
	}
	if len(wf.AllowedDomains) > 0 {
		for _, a := range wf.AllowedDomains {
			if domainMatch(domain, a) {
				return Decision{Allowed: true, Reason: "allowed"}
			}
		}
		return Decision{Allowed: false, Reason: "domain is not in the allowed list"}
	}
	return Decision{Allowed: true, Reason: "allowed"}
}

func domainMatch(domain, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// CheckSendNotification returns the threshold remaining has just dropped
// under, picking the smallest threshold that is still >= remaining.
func CheckSendNotification(remaining time.Duration, notifyBefore []time.Duration) (time.Duration, bool) {
	var hit time.Duration
	found := false
	for _, th := range notifyBefore {
		if remaining <= th && (!found || th < hit) {
			hit = th
			found = true
		}
	}
	return hit, found
}

// WindowEnd returns when the allowed span containing t ends, joining
// windows that touch. ok is false when t is outside every window or the
// profile has no windows at all.
func WindowEnd(cfg policy.Config, t time.Time, holidays Holidays) (time.Time, bool) {
	permitted, w := PermitAt(cfg, t, holidays)
	if !permitted || w == nil {
		return time.Time{}, false
	}
	end := w.End
	for _, next := range WindowsFor(cfg, t, holidays) {
		if next.Start == end {
			end = next.End
		}
	}
	return end.On(t), true
}
