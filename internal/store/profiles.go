package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

const profileColumns = `id, name, age_group, username, config, version, active, created_at, updated_at`

func (tx *Tx) scanProfile(stmt *sqlite.Stmt) (policy.Profile, error) {
	p := policy.Profile{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		AgeGroup:  policy.AgeGroup(stmt.ColumnText(2)),
		Username:  stmt.ColumnText(3),
		Version:   stmt.ColumnInt(5),
		Active:    stmt.ColumnInt(6) != 0,
		CreatedAt: tx.time(stmt, 7),
		UpdatedAt: tx.time(stmt, 8),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &p.Config); err != nil {
		return p, errs.Wrap(errs.KindInternal, err, "corrupt profile config")
	}
	return p, nil
}

// Profile loads a profile by ID.
func (tx *Tx) Profile(id string) (*policy.Profile, error) {
	var out *policy.Profile
	err := tx.query(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`,
		func(stmt *sqlite.Stmt) error {
			p, err := tx.scanProfile(stmt)
			out = &p
			return err
		}, id)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.NotFound("profile %q not found", id)
	}
	return out, nil
}

// ResolveProfile loads a profile by ID or, failing that, by name.
func (tx *Tx) ResolveProfile(ref string) (*policy.Profile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.Validation("profile is required")
	}
	var out *policy.Profile
	err := tx.query(`SELECT `+profileColumns+` FROM profiles WHERE id = ? OR name = ? ORDER BY id = ? DESC LIMIT 1`,
		func(stmt *sqlite.Stmt) error {
			p, err := tx.scanProfile(stmt)
			out = &p
			return err
		}, ref, ref, ref)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.NotFound("profile %q not found", ref)
	}
	return out, nil
}

// ProfileByUsername finds the profile bound to a local account.
func (tx *Tx) ProfileByUsername(username string) (*policy.Profile, error) {
	var out *policy.Profile
	err := tx.query(`SELECT `+profileColumns+` FROM profiles WHERE username = ? AND username != '' LIMIT 1`,
		func(stmt *sqlite.Stmt) error {
			p, err := tx.scanProfile(stmt)
			out = &p
			return err
		}, username)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.NotFound("no profile for user %q", username)
	}
	return out, nil
}

func (tx *Tx) Profiles(activeOnly bool) ([]policy.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY name`
	var out []policy.Profile
	err := tx.query(q, func(stmt *sqlite.Stmt) error {
		p, err := tx.scanProfile(stmt)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// InsertProfile stores p as version 1 of its policy. ID and timestamps
// are assigned here.
func (tx *Tx) InsertProfile(p *policy.Profile, actor string) error {
	if err := p.Config.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Version = 1
	p.Active = true
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now

	err = tx.exec(`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.AgeGroup), p.Username, string(raw), p.Version, boolInt(p.Active),
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		if errs.KindOf(classify(err)) == errs.KindConflict {
			return errs.Conflict("profile %q already exists", p.Name)
		}
		return err
	}
	return tx.insertVersion(p, actor, "created")
}

// SetConfig appends a new policy version for p and makes it effective.
// p is updated in place.
func (tx *Tx) SetConfig(p *policy.Profile, cfg policy.Config, actor, reason string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	err = tx.exec(`UPDATE profiles SET config = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(raw), tx.now.UnixNano(), p.ID, p.Version)
	if err != nil {
		return err
	}
	if tx.changes() == 0 {
		return errs.Conflict("profile %q was modified concurrently", p.ID)
	}
	p.Config = cfg
	p.Version++
	p.UpdatedAt = tx.now
	return tx.insertVersion(p, actor, reason)
}

func (tx *Tx) insertVersion(p *policy.Profile, actor, reason string) error {
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	return tx.exec(`INSERT INTO policy_versions (profile_id, version, config, changed_by, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Version, string(raw), actor, reason, tx.now.UnixNano())
}

func (tx *Tx) PolicyVersions(profileID string) ([]policy.PolicyVersion, error) {
	var out []policy.PolicyVersion
	err := tx.query(`SELECT profile_id, version, config, changed_by, reason, created_at
		FROM policy_versions WHERE profile_id = ? ORDER BY version`,
		func(stmt *sqlite.Stmt) error {
			v := policy.PolicyVersion{
				ProfileID: stmt.ColumnText(0),
				Version:   stmt.ColumnInt(1),
				ChangedBy: stmt.ColumnText(3),
				Reason:    stmt.ColumnText(4),
				CreatedAt: tx.time(stmt, 5),
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &v.Config); err != nil {
				return errs.Wrap(errs.KindInternal, err, "corrupt policy version")
			}
			out = append(out, v)
			return nil
		}, profileID)
	return out, err
}

func (tx *Tx) setActive(id string, active bool) error {
	err := tx.exec(`UPDATE profiles SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), tx.now.UnixNano(), id)
	if err != nil {
		return err
	}
	if tx.changes() == 0 {
		return errs.NotFound("profile %q not found", id)
	}
	return nil
}

// CreateProfile stores a new profile with cfg as its first policy version.
func (s *Store) CreateProfile(ctx context.Context, name string, group policy.AgeGroup, username string, cfg policy.Config, actor string) (*policy.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, errs.Validation("profile name must be 1-100 characters")
	}
	if _, err := policy.ParseAgeGroup(string(group)); err != nil {
		return nil, err
	}
	p := &policy.Profile{Name: name, AgeGroup: group, Username: strings.TrimSpace(username), Config: cfg.Clone()}
	err := s.Update(ctx, globalKey, func(tx *Tx) error {
		if err := tx.InsertProfile(p, actor); err != nil {
			return err
		}
		return tx.Audit(actor, "create_profile", "profile", p.ID, true, map[string]any{
			"name":      p.Name,
			"age_group": p.AgeGroup,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("profile created", logger.Profile(p.ID), logger.Actor(actor))
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, ref string) (*policy.Profile, error) {
	var out *policy.Profile
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ResolveProfile(ref)
		return err
	})
	return out, err
}

func (s *Store) ListProfiles(ctx context.Context) ([]policy.Profile, error) {
	var out []policy.Profile
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Profiles(false)
		return err
	})
	return out, err
}

func (s *Store) PolicyVersions(ctx context.Context, ref string) ([]policy.PolicyVersion, error) {
	var out []policy.PolicyVersion
	err := s.View(ctx, func(tx *Tx) error {
		p, err := tx.ResolveProfile(ref)
		if err != nil {
			return err
		}
		out, err = tx.PolicyVersions(p.ID)
		return err
	})
	return out, err
}

// mutateProfile resolves ref, then runs fn under that profile's lock with a
// freshly loaded copy of it.
func (s *Store) mutateProfile(ctx context.Context, ref string, fn func(tx *Tx, p *policy.Profile) error) error {
	p, err := s.GetProfile(ctx, ref)
	if err != nil {
		return err
	}
	return s.Update(ctx, p.ID, func(tx *Tx) error {
		current, err := tx.Profile(p.ID)
		if err != nil {
			return err
		}
		return fn(tx, current)
	})
}

// UpdatePolicy replaces the effective config of a profile and returns the
// new version number.
func (s *Store) UpdatePolicy(ctx context.Context, ref string, cfg policy.Config, actor, reason string) (int, error) {
	var version int
	err := s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		if err := tx.SetConfig(p, cfg.Clone(), actor, reason); err != nil {
			return err
		}
		version = p.Version
		return tx.Audit(actor, "update_policy", "profile", p.ID, true, map[string]any{
			"version": p.Version,
			"reason":  reason,
		})
	})
	return version, err
}

func (s *Store) SetActive(ctx context.Context, ref string, active bool, actor string) error {
	return s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		if err := tx.setActive(p.ID, active); err != nil {
			return err
		}
		return tx.Audit(actor, "set_active", "profile", p.ID, true, map[string]any{"active": active})
	})
}

// AddTimeWindow adds w to the profile's windows of type t. Overlap with an
// existing window of the same type is a Conflict and changes nothing.
func (s *Store) AddTimeWindow(ctx context.Context, ref string, t policy.WindowType, w policy.Window, actor string) error {
	return s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		cfg := p.Config.Clone()
		if err := cfg.ScreenTime.Windows.Add(t, w); err != nil {
			return err
		}
		if err := tx.SetConfig(p, cfg, actor, "add "+string(t)+" window "+w.String()); err != nil {
			return err
		}
		return tx.Audit(actor, "add_time_window", "profile", p.ID, true, windowDetails(t, w, true))
	})
}

// RemoveTimeWindow removes w if present and reports whether it was. A
// missing window is not an error.
func (s *Store) RemoveTimeWindow(ctx context.Context, ref string, t policy.WindowType, w policy.Window, actor string) (bool, error) {
	var removed bool
	err := s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		cfg := p.Config.Clone()
		removed = cfg.ScreenTime.Windows.Remove(t, w)
		if removed {
			if err := tx.SetConfig(p, cfg, actor, "remove "+string(t)+" window "+w.String()); err != nil {
				return err
			}
		}
		return tx.Audit(actor, "remove_time_window", "profile", p.ID, true, windowDetails(t, w, removed))
	})
	return removed, err
}

// ClearTimeWindows empties the windows of the given types, all types when
// none are given, and reports whether anything was removed.
func (s *Store) ClearTimeWindows(ctx context.Context, ref string, types []policy.WindowType, actor string) (bool, error) {
	if len(types) == 0 {
		types = []policy.WindowType{policy.Weekday, policy.Weekend, policy.Holiday}
	}
	var cleared bool
	err := s.mutateProfile(ctx, ref, func(tx *Tx, p *policy.Profile) error {
		cfg := p.Config.Clone()
		for _, t := range types {
			if cfg.ScreenTime.Windows.Clear(t) {
				cleared = true
			}
		}
		if cleared {
			if err := tx.SetConfig(p, cfg, actor, "clear time windows"); err != nil {
				return err
			}
		}
		return tx.Audit(actor, "clear_time_windows", "profile", p.ID, true, map[string]any{
			"types":   types,
			"changed": cleared,
		})
	})
	return cleared, err
}

func (s *Store) ListTimeWindows(ctx context.Context, ref string) (policy.TimeWindows, error) {
	p, err := s.GetProfile(ctx, ref)
	if err != nil {
		return policy.TimeWindows{}, err
	}
	return p.Config.ScreenTime.Windows, nil
}

func windowDetails(t policy.WindowType, w policy.Window, changed bool) map[string]any {
	return map[string]any{
		"type":    t,
		"start":   w.Start.String(),
		"end":     w.End.String(),
		"changed": changed,
	}
}
