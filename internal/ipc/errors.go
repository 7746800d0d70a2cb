package ipc

import (
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
)

const msgUnauthorized = "authentication required"

// ErrorName returns the D-Bus error name for an error of kind k.
func ErrorName(k errs.Kind) string {
	switch k {
	case errs.KindNotFound, errs.KindConflict, errs.KindUnauthorized,
		errs.KindValidation, errs.KindTransient:
		return ErrorPrefix + k.String()
	}
	return ErrorPrefix + errs.KindInternal.String()
}

// toDBus converts err into the error returned to the caller. Internal
// details stay in the log.
func (s *Service) toDBus(method string, err error) *dbus.Error {
	if err == nil {
		return nil
	}
	kind := errs.KindOf(err)
	msg := errs.Message(err)
	switch kind {
	case errs.KindUnauthorized:
		msg = msgUnauthorized
		s.log.Info("unauthorized call", logger.Op(method))
	case errs.KindInternal, errs.KindUnknown:
		s.log.Error("call failed", logger.Op(method), logger.Err(err), zap.Stack("stack"))
	case errs.KindTransient:
		s.log.Warn("call failed", logger.Op(method), logger.Err(err))
	default:
		s.log.Debug("call rejected", logger.Op(method), logger.Err(err))
	}
	return dbus.NewError(ErrorName(kind), []any{msg})
}
