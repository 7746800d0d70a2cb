package policy

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// ApprovalRequest is an ask from a restricted profile awaiting a parent
// decision. Details holds the validated request document.
type ApprovalRequest struct {
	ID             string        `json:"id"`
	ProfileID      string        `json:"profile_id"`
	Type           ExceptionType `json:"request_type"`
	RequestedAt    time.Time     `json:"requested_at"`
	Status         RequestStatus `json:"status"`
	Details        Request       `json:"details"`
	ReviewedBy     string        `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time    `json:"reviewed_at,omitempty"`
	ResponseReason string        `json:"response_reason,omitempty"`
}

// Request is the type-specific body of an approval request.
type Request interface {
	Type() ExceptionType
	// Grant returns the exception payload approving this request yields.
	Grant() Grant
	// Expiry returns when the synthesized exception lapses if approved at now.
	Expiry(now time.Time) time.Time
}

type ExtraTimeRequest struct {
	AmountMinutes int    `json:"amount_minutes" validate:"required,min=1,max=720"`
	Note          string `json:"note,omitempty" validate:"max=500"`
}

type AppRequest struct {
	AppID string `json:"app_id" validate:"required,max=255"`
	// Permanent asks for a policy change instead of a one-day exception.
	Permanent bool   `json:"permanent,omitempty"`
	Note      string `json:"note,omitempty" validate:"max=500"`
}

type WebsiteRequest struct {
	Website string `json:"website" validate:"required,hostname_rfc1123"`
	Note    string `json:"note,omitempty" validate:"max=500"`
}

type SuspendRequest struct {
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1,max=1440"`
	Note            string `json:"note,omitempty" validate:"max=500"`
}

func (ExtraTimeRequest) Type() ExceptionType { return ExtraTime }
func (AppRequest) Type() ExceptionType       { return AllowApp }
func (WebsiteRequest) Type() ExceptionType   { return AllowWebsite }
func (SuspendRequest) Type() ExceptionType   { return SuspendMonitoring }

func (r ExtraTimeRequest) Grant() Grant { return ExtraTimeGrant{AmountMinutes: r.AmountMinutes} }
func (r AppRequest) Grant() Grant       { return AllowAppGrant{AppID: r.AppID} }
func (r WebsiteRequest) Grant() Grant   { return AllowWebsiteGrant{Website: r.Website} }
func (r SuspendRequest) Grant() Grant   { return SuspendMonitoringGrant{Scope: "all"} }

func (ExtraTimeRequest) Expiry(now time.Time) time.Time { return DayEnd(now) }
func (AppRequest) Expiry(now time.Time) time.Time       { return DayEnd(now) }
func (WebsiteRequest) Expiry(now time.Time) time.Time   { return DayEnd(now) }
func (r SuspendRequest) Expiry(now time.Time) time.Time {
	return now.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// DecodeRequest parses and validates the details document of a request of
// type t.
func DecodeRequest(t ExceptionType, raw []byte) (Request, error) {
	var r Request
	switch t {
	case ExtraTime:
		r = &ExtraTimeRequest{}
	case AllowApp:
		r = &AppRequest{}
	case AllowWebsite:
		r = &WebsiteRequest{}
	case SuspendMonitoring:
		r = &SuspendRequest{}
	default:
		return nil, errs.Validation("invalid request type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := decodeStrict(raw, r); err != nil {
		return nil, errs.Validation("invalid %s request: %v", t, err)
	}
	if err := validate.Struct(r); err != nil {
		return nil, errs.Validation("invalid %s request: %v", t, err)
	}
	switch v := r.(type) {
	case *ExtraTimeRequest:
		return *v, nil
	case *AppRequest:
		return *v, nil
	case *WebsiteRequest:
		v.Website = strings.ToLower(v.Website)
		return *v, nil
	case *SuspendRequest:
		return *v, nil
	}
	return r, nil
}

// UnmarshalJSON reads request_type first so details decodes into the
// matching variant.
func (r *ApprovalRequest) UnmarshalJSON(b []byte) error {
	type plain ApprovalRequest
	var aux struct {
		plain
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = ApprovalRequest(aux.plain)
	r.Details = nil
	if isNull(aux.Details) {
		return nil
	}
	d, err := DecodeRequest(r.Type, aux.Details)
	if err != nil {
		return err
	}
	r.Details = d
	return nil
}
