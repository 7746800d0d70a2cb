package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

const exceptionColumns = `id, profile_id, type, payload, reason, granted_by, granted_at, expires_at, active, used, used_on`

func (tx *Tx) scanException(stmt *sqlite.Stmt) (policy.Exception, error) {
	ex := policy.Exception{
		ID:        stmt.ColumnText(0),
		ProfileID: stmt.ColumnText(1),
		Type:      policy.ExceptionType(stmt.ColumnText(2)),
		Reason:    stmt.ColumnText(4),
		GrantedBy: stmt.ColumnText(5),
		GrantedAt: tx.time(stmt, 6),
		ExpiresAt: tx.time(stmt, 7),
		Active:    stmt.ColumnInt(8) != 0,
		Used:      stmt.ColumnInt(9) != 0,
		UsedOn:    stmt.ColumnText(10),
	}
	g, err := policy.DecodeGrant(ex.Type, []byte(stmt.ColumnText(3)))
	if err != nil {
		return ex, errs.Wrap(errs.KindInternal, err, "corrupt exception payload")
	}
	ex.Grant = g
	return ex, nil
}

// InsertException stores ex. ID and grant time are assigned here.
func (tx *Tx) InsertException(ex *policy.Exception) error {
	if ex.Grant == nil || ex.Grant.Type() != ex.Type {
		return errs.Validation("exception payload does not match type %q", ex.Type)
	}
	if !ex.ExpiresAt.After(tx.now) {
		return errs.Validation("exception must expire in the future")
	}
	raw, err := json.Marshal(ex.Grant)
	if err != nil {
		return err
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	ex.GrantedAt = tx.now
	ex.Active = true
	return tx.exec(`INSERT INTO exceptions (`+exceptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0, '')`,
		ex.ID, ex.ProfileID, string(ex.Type), string(raw), ex.Reason, ex.GrantedBy,
		ex.GrantedAt.UnixNano(), ex.ExpiresAt.UnixNano())
}

func (tx *Tx) Exception(id string) (*policy.Exception, error) {
	var out *policy.Exception
	err := tx.query(`SELECT `+exceptionColumns+` FROM exceptions WHERE id = ?`,
		func(stmt *sqlite.Stmt) error {
			ex, err := tx.scanException(stmt)
			out = &ex
			return err
		}, id)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.NotFound("exception %q not found", id)
	}
	return out, nil
}

// ActiveExceptions returns the exceptions of a profile that are live at
// now, oldest grant first.
func (tx *Tx) ActiveExceptions(profileID string, now time.Time) ([]policy.Exception, error) {
	var out []policy.Exception
	err := tx.query(`SELECT `+exceptionColumns+` FROM exceptions
		WHERE profile_id = ? AND active = 1 AND used = 0 AND expires_at > ?
		ORDER BY granted_at, id`,
		func(stmt *sqlite.Stmt) error {
			ex, err := tx.scanException(stmt)
			if err != nil {
				return err
			}
			out = append(out, ex)
			return nil
		}, profileID, now.UnixNano())
	return out, err
}

// RevokeException deactivates an exception and reports whether it was
// still active.
func (tx *Tx) RevokeException(id string) (bool, error) {
	if _, err := tx.Exception(id); err != nil {
		return false, err
	}
	if err := tx.exec(`UPDATE exceptions SET active = 0 WHERE id = ? AND active = 1`, id); err != nil {
		return false, err
	}
	return tx.changes() > 0, nil
}

// ConsumeExtraTime marks the oldest live extra_time grant of a profile as
// used on day and returns its minutes, or zero when none is left.
func (tx *Tx) ConsumeExtraTime(profileID, day string, now time.Time) (int, error) {
	exs, err := tx.ActiveExceptions(profileID, now)
	if err != nil {
		return 0, err
	}
	for _, ex := range exs {
		g, ok := ex.Grant.(policy.ExtraTimeGrant)
		if !ok {
			continue
		}
		if err := tx.exec(`UPDATE exceptions SET used = 1, used_on = ? WHERE id = ? AND used = 0`, day, ex.ID); err != nil {
			return 0, err
		}
		if tx.changes() == 0 {
			continue
		}
		return g.AmountMinutes, nil
	}
	return 0, nil
}

// ConsumedExtraMinutes sums the extra_time grants consumed on day.
func (tx *Tx) ConsumedExtraMinutes(profileID, day string) (int, error) {
	total := 0
	err := tx.query(`SELECT payload FROM exceptions WHERE profile_id = ? AND type = ? AND used = 1 AND used_on = ?`,
		func(stmt *sqlite.Stmt) error {
			g, err := policy.DecodeGrant(policy.ExtraTime, []byte(stmt.ColumnText(0)))
			if err != nil {
				return errs.Wrap(errs.KindInternal, err, "corrupt exception payload")
			}
			total += g.(policy.ExtraTimeGrant).AmountMinutes
			return nil
		}, profileID, string(policy.ExtraTime), day)
	return total, err
}

// CreateException grants ex to the profile ref resolves to.
func (s *Store) CreateException(ctx context.Context, ref string, ex *policy.Exception, actor string) error {
	return s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		ex.ProfileID = p.ID
		ex.GrantedBy = actor
		if err := tx.InsertException(ex); err != nil {
			return err
		}
		return tx.Audit(actor, "create_exception", "exception", ex.ID, true, map[string]any{
			"profile_id": p.ID,
			"type":       ex.Type,
			"expires_at": ex.ExpiresAt.Unix(),
		})
	})
}

func (s *Store) ListActiveExceptions(ctx context.Context, ref string) ([]policy.Exception, error) {
	var out []policy.Exception
	err := s.View(ctx, func(tx *Tx) error {
		p, err := tx.ResolveProfile(ref)
		if err != nil {
			return err
		}
		out, err = tx.ActiveExceptions(p.ID, tx.Now())
		return err
	})
	return out, err
}

// RevokeException deactivates an exception. Revoking one that is already
// inactive succeeds without change.
func (s *Store) RevokeException(ctx context.Context, id, actor string) error {
	var ex *policy.Exception
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		ex, err = tx.Exception(id)
		return err
	})
	if err != nil {
		return err
	}
	return s.Update(ctx, ex.ProfileID, func(tx *Tx) error {
		changed, err := tx.RevokeException(id)
		if err != nil {
			return err
		}
		return tx.Audit(actor, "revoke_exception", "exception", id, true, map[string]any{
			"profile_id": ex.ProfileID,
			"changed":    changed,
		})
	})
}
