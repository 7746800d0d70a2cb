package policy

import (
	"strings"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

type VerdictAction string

const (
	VerdictAllow VerdictAction = "allow"
	VerdictWarn  VerdictAction = "warn"
	VerdictBlock VerdictAction = "block"
)

// Verdict is a risk classifier's judgement about a resource for a profile.
type Verdict struct {
	ProfileID  string        `json:"profile_id" validate:"required"`
	Resource   string        `json:"resource" validate:"required,max=1024"`
	RiskLevel  string        `json:"risk_level" validate:"required,oneof=low medium high critical"`
	Action     VerdictAction `json:"action" validate:"required,oneof=allow warn block"`
	ReceivedAt time.Time     `json:"received_at"`
}

func (v Verdict) Validate() error {
	v.RiskLevel = strings.ToLower(v.RiskLevel)
	if err := validate.Struct(v); err != nil {
		return errs.Validation("invalid verdict: %v", err)
	}
	return nil
}
