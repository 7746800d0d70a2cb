// Package approval runs the request/approve cycle: a restricted profile
// asks for a relaxation, a parent approves or denies it, and an approval
// turns into an exception or a policy change.
package approval

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

// Notifier is told about request lifecycle events once they are durable.
type Notifier interface {
	ApprovalRequestCreated(id string, t policy.ExceptionType)
	ApprovalRequestReviewed(id string, status policy.RequestStatus)
	PolicyChanged(profileID string)
}

type nopNotifier struct{}

func (nopNotifier) ApprovalRequestCreated(string, policy.ExceptionType)  {}
func (nopNotifier) ApprovalRequestReviewed(string, policy.RequestStatus) {}
func (nopNotifier) PolicyChanged(string)                                 {}

type Workflow struct {
	store    *store.Store
	notify   Notifier
	category func(app string) string
	log      *zap.Logger
}

// New builds a workflow. category maps an app id to its usage category and
// may be nil when no categories are configured.
func New(st *store.Store, notify Notifier, category func(app string) string, log *zap.Logger) *Workflow {
	if notify == nil {
		notify = nopNotifier{}
	}
	if category == nil {
		category = func(string) string { return "" }
	}
	return &Workflow{store: st, notify: notify, category: category, log: logger.OrNop(log).Named("approval")}
}

// Resolution is the outcome of a review. An approved request carries
// either the exception it granted or the policy version it produced.
type Resolution struct {
	Request       policy.ApprovalRequest `json:"request"`
	Exception     *policy.Exception      `json:"exception,omitempty"`
	PolicyVersion int                    `json:"policy_version,omitempty"`
}

// Submit files a pending request for the profile ref resolves to. details
// is the JSON body of the request type.
func (w *Workflow) Submit(ctx context.Context, ref, requestType string, details []byte) (*policy.ApprovalRequest, error) {
	t, err := policy.ParseExceptionType(requestType)
	if err != nil {
		return nil, err
	}
	body, err := policy.DecodeRequest(t, details)
	if err != nil {
		return nil, err
	}
	p, err := w.store.GetProfile(ctx, ref)
	if err != nil {
		return nil, err
	}

	r := &policy.ApprovalRequest{ProfileID: p.ID, Type: t, Details: body}
	err = w.store.Update(ctx, p.ID, func(tx *store.Tx) error {
		if err := tx.InsertRequest(r); err != nil {
			return err
		}
		return tx.Audit(store.ActorChild, "submit_request", "approval_request", r.ID, true, map[string]any{
			"profile_id": p.ID,
			"type":       t,
		})
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("approval request submitted", logger.Profile(p.ID), zap.String("request_id", r.ID), zap.String("type", string(t)))
	w.notify.ApprovalRequestCreated(r.ID, t)
	return r, nil
}

// ListPending returns pending requests, oldest first.
func (w *Workflow) ListPending(ctx context.Context) ([]policy.ApprovalRequest, error) {
	var out []policy.ApprovalRequest
	err := w.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.PendingRequests()
		return err
	})
	if out == nil {
		out = []policy.ApprovalRequest{}
	}
	return out, err
}

// Approve resolves a pending request and applies what it asked for in the
// same transaction. A request that is not pending is NotFound.
func (w *Workflow) Approve(ctx context.Context, id, message, reviewer string) (*Resolution, error) {
	return w.resolve(ctx, id, policy.StatusApproved, message, reviewer)
}

// Deny resolves a pending request without granting anything.
func (w *Workflow) Deny(ctx context.Context, id, message, reviewer string) (*Resolution, error) {
	return w.resolve(ctx, id, policy.StatusDenied, message, reviewer)
}

func (w *Workflow) resolve(ctx context.Context, id string, status policy.RequestStatus, message, reviewer string) (*Resolution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.Validation("request id is required")
	}
	if len(message) > 500 {
		return nil, errs.Validation("message must be at most 500 characters")
	}

	var profileID string
	err := w.store.View(ctx, func(tx *store.Tx) error {
		r, err := tx.Request(id)
		if err != nil {
			return err
		}
		profileID = r.ProfileID
		return nil
	})
	if err != nil {
		return nil, err
	}

	var res Resolution
	err = w.store.Update(ctx, profileID, func(tx *store.Tx) error {
		r, err := tx.Request(id)
		if err != nil {
			return err
		}
		if err := tx.ResolveRequest(r, status, reviewer, message); err != nil {
			return err
		}
		res.Request = *r

		details := map[string]any{"profile_id": r.ProfileID, "status": status}
		if status == policy.StatusApproved {
			if err := w.apply(tx, r, message, reviewer, &res); err != nil {
				return err
			}
			if res.Exception != nil {
				details["exception_id"] = res.Exception.ID
			}
			if res.PolicyVersion != 0 {
				details["policy_version"] = res.PolicyVersion
			}
		}
		action := "deny_request"
		if status == policy.StatusApproved {
			action = "approve_request"
		}
		return tx.Audit(reviewer, action, "approval_request", r.ID, true, details)
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("approval request reviewed",
		logger.Profile(profileID), logger.Actor(reviewer),
		zap.String("request_id", id), zap.String("status", string(status)))
	w.notify.ApprovalRequestReviewed(id, status)
	if res.PolicyVersion != 0 {
		w.notify.PolicyChanged(profileID)
	}
	return &res, nil
}

// apply grants what an approved request asked for. A permanent app
// request changes the policy; everything else becomes an exception. When
// the policy change alone would still block the app, an allow_app
// exception for the rest of the day is granted as well.
func (w *Workflow) apply(tx *store.Tx, r *policy.ApprovalRequest, message, reviewer string, res *Resolution) error {
	if app, ok := r.Details.(policy.AppRequest); ok && app.Permanent {
		p, err := tx.Profile(r.ProfileID)
		if err != nil {
			return err
		}
		cfg := p.Config.Clone()
		cfg.AllowApp(app.AppID)
		if !slices.Equal(cfg.Applications.Allowed, p.Config.Applications.Allowed) ||
			!slices.Equal(cfg.Applications.Blocked, p.Config.Applications.Blocked) {
			if err := tx.SetConfig(p, cfg, reviewer, "approved request "+r.ID); err != nil {
				return err
			}
			res.PolicyVersion = p.Version
		}
		verdict, err := tx.Verdict(r.ProfileID, app.AppID)
		if err != nil {
			return err
		}
		d := eval.CheckApp(cfg, app.AppID, w.category(app.AppID), nil, verdict, tx.Now())
		if d.Allowed {
			return nil
		}
		w.log.Warn("policy change does not allow approved app, granting exception",
			logger.Profile(r.ProfileID), zap.String("app", app.AppID), zap.String("reason", d.Reason))
	}

	reason := message
	if reason == "" {
		reason = "approved request " + r.ID
	}
	ex := &policy.Exception{
		ProfileID: r.ProfileID,
		Type:      r.Type,
		Grant:     r.Details.Grant(),
		Reason:    reason,
		GrantedBy: reviewer,
		ExpiresAt: r.Details.Expiry(tx.Now()),
	}
	if err := tx.InsertException(ex); err != nil {
		return err
	}
	res.Exception = ex
	return nil
}
