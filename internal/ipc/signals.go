package ipc

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/engine"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Emitter broadcasts daemon events as signals. It serves both as the
// approval workflow's notifier and as an enforcement actuator. A nil
// connection drops everything.
type Emitter struct {
	conn *dbus.Conn
	log  *zap.Logger
}

func NewEmitter(conn *dbus.Conn, log *zap.Logger) *Emitter {
	return &Emitter{conn: conn, log: logger.OrNop(log).Named("signals")}
}

func (e *Emitter) emit(name string, values ...any) error {
	if e == nil || e.conn == nil {
		return nil
	}
	if err := e.conn.Emit(dbus.ObjectPath(ObjectPath), name, values...); err != nil {
		e.log.Warn("emit failed", zap.String("signal", name), logger.Err(err))
		return err
	}
	return nil
}

func (e *Emitter) ApprovalRequestCreated(id string, t policy.ExceptionType) {
	_ = e.emit(SignalApprovalRequestCreated, id, string(t))
}

func (e *Emitter) ApprovalRequestReviewed(id string, status policy.RequestStatus) {
	_ = e.emit(SignalApprovalRequestReviewed, id, string(status))
}

func (e *Emitter) PolicyChanged(profileID string) {
	_ = e.emit(SignalPolicyChanged, profileID)
}

// Act announces an enforcement action. Warnings that carry a remaining
// duration also raise TimeLimitWarning with whole minutes, rounded up.
func (e *Emitter) Act(_ context.Context, a engine.Action) error {
	if err := e.emit(SignalEnforcementAction, a.ProfileID, string(a.Kind), a.Reason); err != nil {
		return err
	}
	if a.Kind == store.EventWarn && a.Remaining > 0 {
		return e.emit(SignalTimeLimitWarning, a.ProfileID, minutesCeil(a.Remaining))
	}
	return nil
}

func minutesCeil(d time.Duration) int32 {
	return int32((d + time.Minute - 1) / time.Minute)
}
