// Package policy holds the profile and policy data model shared by the
// store, the enforcement engine and the RPC boundary.
package policy

import (
	"slices"
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

type AgeGroup string

const (
	AgeEarly  AgeGroup = "5-7"
	AgeMiddle AgeGroup = "8-12"
	AgeTeen   AgeGroup = "13-17"
)

func ParseAgeGroup(s string) (AgeGroup, error) {
	switch g := AgeGroup(strings.TrimSpace(s)); g {
	case AgeEarly, AgeMiddle, AgeTeen:
		return g, nil
	}
	return "", errs.Validation("invalid age group %q: expected 5-7, 8-12 or 13-17", s)
}

type ScreenTime struct {
	// DailyLimitMinutes of zero means no daily limit.
	DailyLimitMinutes   int         `json:"daily_limit_minutes" validate:"min=0,max=1440"`
	WeekendBonusMinutes int         `json:"weekend_bonus_minutes" validate:"min=0,max=1440"`
	ExemptCategories    []string    `json:"exempt_categories"`
	Windows             TimeWindows `json:"windows"`
}

type Applications struct {
	Allowed           []string `json:"allowed"`
	Blocked           []string `json:"blocked"`
	BlockedCategories []string `json:"blocked_categories"`
}

type WebFiltering struct {
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains"`
}

// Config is the enforceable policy of one profile.
type Config struct {
	ScreenTime   ScreenTime   `json:"screen_time"`
	Applications Applications `json:"applications"`
	WebFiltering WebFiltering `json:"web_filtering"`
}

// Validate checks the invariants a stored config must hold: bounded
// minutes and sorted, overlap-free window lists.
func (c Config) Validate() error {
	if err := validate.Struct(c.ScreenTime); err != nil {
		return errs.Validation("invalid screen time: %v", err)
	}
	for _, t := range []WindowType{Weekday, Weekend, Holiday} {
		ws := c.ScreenTime.Windows.Of(t)
		for i, w := range ws {
			if w.Start < 0 || w.Start >= w.End || w.End > EndOfDay {
				return errs.Validation("invalid %s window %s", t, w)
			}
			if i > 0 && ws[i-1].End > w.Start {
				return errs.Conflict("%s windows %s and %s overlap or are unsorted", t, ws[i-1], w)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.ScreenTime.ExemptCategories = slices.Clone(c.ScreenTime.ExemptCategories)
	out.ScreenTime.Windows = TimeWindows{
		Weekday: slices.Clone(c.ScreenTime.Windows.Weekday),
		Weekend: slices.Clone(c.ScreenTime.Windows.Weekend),
		Holiday: slices.Clone(c.ScreenTime.Windows.Holiday),
	}
	out.Applications.Allowed = slices.Clone(c.Applications.Allowed)
	out.Applications.Blocked = slices.Clone(c.Applications.Blocked)
	out.Applications.BlockedCategories = slices.Clone(c.Applications.BlockedCategories)
	out.WebFiltering.AllowedDomains = slices.Clone(c.WebFiltering.AllowedDomains)
	out.WebFiltering.BlockedDomains = slices.Clone(c.WebFiltering.BlockedDomains)
	return out
}

// AllowApp adds app to the allow-list and drops it from the deny-list.
func (c *Config) AllowApp(app string) {
	if !slices.Contains(c.Applications.Allowed, app) && len(c.Applications.Allowed) > 0 {
		c.Applications.Allowed = append(c.Applications.Allowed, app)
	}
	c.Applications.Blocked = slices.DeleteFunc(c.Applications.Blocked, func(s string) bool { return s == app })
}

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgeGroup  AgeGroup  `json:"age_group"`
	Username  string    `json:"username,omitempty"`
	Config    Config    `json:"config"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PolicyVersion struct {
	ProfileID string    `json:"profile_id"`
	Version   int       `json:"version"`
	Config    Config    `json:"config"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
