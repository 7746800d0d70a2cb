package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

const requestColumns = `id, profile_id, request_type, requested_at, status, details, reviewed_by, reviewed_at, response_reason`

func (tx *Tx) scanRequest(stmt *sqlite.Stmt) (policy.ApprovalRequest, error) {
	r := policy.ApprovalRequest{
		ID:             stmt.ColumnText(0),
		ProfileID:      stmt.ColumnText(1),
		Type:           policy.ExceptionType(stmt.ColumnText(2)),
		RequestedAt:    tx.time(stmt, 3),
		Status:         policy.RequestStatus(stmt.ColumnText(4)),
		ReviewedBy:     stmt.ColumnText(6),
		ResponseReason: stmt.ColumnText(8),
	}
	if !stmt.ColumnIsNull(7) {
		at := tx.time(stmt, 7)
		r.ReviewedAt = &at
	}
	d, err := policy.DecodeRequest(r.Type, []byte(stmt.ColumnText(5)))
	if err != nil {
		return r, errs.Wrap(errs.KindInternal, err, "corrupt request details")
	}
	r.Details = d
	return r, nil
}

// InsertRequest stores a new pending request. ID and request time are
// assigned here.
func (tx *Tx) InsertRequest(r *policy.ApprovalRequest) error {
	if r.Details == nil || r.Details.Type() != r.Type {
		return errs.Validation("request details do not match type %q", r.Type)
	}
	raw, err := json.Marshal(r.Details)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.RequestedAt = tx.now
	r.Status = policy.StatusPending
	return tx.exec(`INSERT INTO approval_requests (id, profile_id, request_type, requested_at, status, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProfileID, string(r.Type), r.RequestedAt.UnixNano(), string(r.Status), string(raw))
}

func (tx *Tx) Request(id string) (*policy.ApprovalRequest, error) {
	var out *policy.ApprovalRequest
	err := tx.query(`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`,
		func(stmt *sqlite.Stmt) error {
			r, err := tx.scanRequest(stmt)
			out = &r
			return err
		}, id)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.NotFound("request %q not found", id)
	}
	return out, nil
}

// PendingRequests returns pending requests oldest first.
func (tx *Tx) PendingRequests() ([]policy.ApprovalRequest, error) {
	var out []policy.ApprovalRequest
	err := tx.query(`SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' ORDER BY requested_at, id`,
		func(stmt *sqlite.Stmt) error {
			r, err := tx.scanRequest(stmt)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

// ResolveRequest moves a pending request to status. A request that is not
// pending any more is reported as NotFound, so exactly one resolution of a
// request ever succeeds.
func (tx *Tx) ResolveRequest(r *policy.ApprovalRequest, status policy.RequestStatus, reviewer, reason string) error {
	if status != policy.StatusApproved && status != policy.StatusDenied {
		return errs.Validation("invalid resolution %q", status)
	}
	err := tx.exec(`UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?, response_reason = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), reviewer, tx.now.UnixNano(), reason, r.ID)
	if err != nil {
		return err
	}
	if tx.changes() == 0 {
		return errs.NotFound("request %q is not pending", r.ID)
	}
	at := tx.now
	r.Status = status
	r.ReviewedBy = reviewer
	r.ReviewedAt = &at
	r.ResponseReason = reason
	return nil
}
