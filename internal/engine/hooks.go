package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// CloseAll ends every open session with reason and returns how many it
// closed.
func (e *Engine) CloseAll(ctx context.Context, reason session.EndReason) (int, error) {
	var open []session.Session
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		open, err = tx.OpenSessions()
		return err
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	var errList []error
	for _, s := range open {
		err := e.store.Update(ctx, s.ProfileID, func(tx *store.Tx) error {
			c, err := tx.CloseOpenSession(s.ProfileID, tx.Now(), reason)
			if c != nil {
				closed++
			}
			return err
		})
		if err != nil {
			errList = append(errList, err)
		}
	}
	e.log.Info("closed open sessions", zap.Int("count", closed), zap.String("reason", string(reason)))
	return closed, errors.Join(errList...)
}

// Logout closes the open session of the profile bound to a local account.
// Accounts without a profile are ignored.
func (e *Engine) Logout(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	var profileID string
	err := e.store.View(ctx, func(tx *store.Tx) error {
		p, err := tx.ProfileByUsername(username)
		if err != nil {
			return err
		}
		profileID = p.ID
		return nil
	})
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return e.store.Update(ctx, profileID, func(tx *store.Tx) error {
		s, err := tx.CloseOpenSession(profileID, tx.Now(), session.EndLogout)
		if s != nil {
			e.log.Info("session closed on logout", logger.Profile(profileID), zap.String("user", username))
		}
		return err
	})
}
