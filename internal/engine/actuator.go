package engine

import (
	"context"
	"errors"
	"time"

	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Action is one enforcement decision handed to the actuators after the
// transaction that produced it committed.
type Action struct {
	ProfileID string          `json:"profile_id"`
	Username  string          `json:"username,omitempty"`
	Kind      store.EventKind `json:"kind"`
	Reason    string          `json:"reason"`
	AppID     string          `json:"app_id,omitempty"`
	At        time.Time       `json:"at"`
	// Remaining is set on warnings about an approaching limit or window end.
	Remaining time.Duration `json:"remaining,omitempty"`
}

// Actuator carries out enforcement actions outside the daemon.
type Actuator interface {
	Act(ctx context.Context, a Action) error
}

// Multi fans an action out to every actuator and joins their errors.
type Multi []Actuator

func (m Multi) Act(ctx context.Context, a Action) error {
	var errList []error
	for _, act := range m {
		if act == nil {
			continue
		}
		if err := act.Act(ctx, a); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
