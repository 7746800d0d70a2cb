package policy

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type ExceptionType string

const (
	ExtraTime         ExceptionType = "extra_time"
	AllowApp          ExceptionType = "allow_app"
	AllowWebsite      ExceptionType = "allow_website"
	SuspendMonitoring ExceptionType = "suspend_monitoring"
)

func ParseExceptionType(s string) (ExceptionType, error) {
	switch t := ExceptionType(strings.TrimSpace(s)); t {
	case ExtraTime, AllowApp, AllowWebsite, SuspendMonitoring:
		return t, nil
	}
	return "", errs.Validation("invalid exception type %q", s)
}

// Grant is the type-specific payload of an Exception. Each variant carries
// only the fields its type needs.
type Grant interface {
	Type() ExceptionType
}

type ExtraTimeGrant struct {
	AmountMinutes int `json:"amount_minutes" validate:"required,min=1,max=720"`
}

type AllowAppGrant struct {
	AppID string `json:"app_id" validate:"required,max=255"`
}

type AllowWebsiteGrant struct {
	Website string `json:"website" validate:"required,hostname_rfc1123"`
}

type SuspendMonitoringGrant struct {
	Scope string `json:"scope,omitempty" validate:"omitempty,oneof=all enforcement"`
}

func (ExtraTimeGrant) Type() ExceptionType         { return ExtraTime }
func (AllowAppGrant) Type() ExceptionType          { return AllowApp }
func (AllowWebsiteGrant) Type() ExceptionType      { return AllowWebsite }
func (SuspendMonitoringGrant) Type() ExceptionType { return SuspendMonitoring }

// DecodeGrant parses and validates the payload document of an exception of
// type t. Unknown fields are rejected.
func DecodeGrant(t ExceptionType, raw []byte) (Grant, error) {
	var g Grant
	switch t {
	case ExtraTime:
		g = &ExtraTimeGrant{}
	case AllowApp:
		g = &AllowAppGrant{}
	case AllowWebsite:
		g = &AllowWebsiteGrant{}
	case SuspendMonitoring:
		g = &SuspendMonitoringGrant{}
	default:
		return nil, errs.Validation("invalid exception type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := decodeStrict(raw, g); err != nil {
		return nil, errs.Validation("invalid %s payload: %v", t, err)
	}
	if err := validate.Struct(g); err != nil {
		return nil, errs.Validation("invalid %s payload: %v", t, err)
	}
	return deref(g), nil
}

func deref(g Grant) Grant {
	switch v := g.(type) {
	case *ExtraTimeGrant:
		return *v
	case *AllowAppGrant:
		return *v
	case *AllowWebsiteGrant:
		v.Website = strings.ToLower(v.Website)
		return *v
	case *SuspendMonitoringGrant:
		return *v
	}
	return g
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Exception is a time-bounded relaxation of a profile's policy.
type Exception struct {
	ID        string        `json:"id"`
	ProfileID string        `json:"profile_id"`
	Type      ExceptionType `json:"type"`
	Grant     Grant         `json:"payload"`
	Reason    string        `json:"reason,omitempty"`
	GrantedBy string        `json:"granted_by"`
	GrantedAt time.Time     `json:"granted_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Active    bool          `json:"active"`
	Used      bool          `json:"used"`
	UsedOn    string        `json:"used_on,omitempty"`
}

// Live reports whether the exception still relaxes policy at now.
func (e Exception) Live(now time.Time) bool {
	return e.Active && !e.Used && now.Before(e.ExpiresAt)
}

// DayEnd returns the last instant of t's calendar day, the default expiry
// of granted exceptions.
func DayEnd(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// DayKey formats t's calendar day as used by summaries and usage accounting.
func DayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// UnmarshalJSON reads type first so payload decodes into the matching
// Grant variant.
func (e *Exception) UnmarshalJSON(b []byte) error {
	type plain Exception
	var aux struct {
		plain
		Grant json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = Exception(aux.plain)
	e.Grant = nil
	if isNull(aux.Grant) {
		return nil
	}
	g, err := DecodeGrant(e.Type, aux.Grant)
	if err != nil {
		return err
	}
	e.Grant = g
	return nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
