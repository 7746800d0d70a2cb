package store

import (
	"context"
	"encoding/json"
	"time"

	"zombiezen.com/go/sqlite"
)

// Actors recorded for mutations not made by an authenticated parent.
const (
	ActorParent     = "parent"
	ActorChild      = "child"
	ActorEnforcer   = "enforcer"
	ActorSystem     = "system"
	ActorFeed       = "activity_feed"
	ActorClassifier = "classifier"
)

type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Success    bool      `json:"success"`
	Details    string    `json:"details,omitempty"`
}

// Audit appends one entry stamped with the transaction time. details is
// marshalled to JSON unless it is already a string.
func (tx *Tx) Audit(actor, action, resource, resourceID string, success bool, details any) error {
	var d string
	switch v := details.(type) {
	case nil:
	case string:
		d = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		d = string(b)
	}
	return tx.exec(`INSERT INTO audit_log (timestamp, actor, action, resource, resource_id, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.now.UnixNano(), actor, action, resource, resourceID, boolInt(success), d)
}

// ListAudit returns up to limit entries, newest first.
func (tx *Tx) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AuditEntry
	err := tx.query(`SELECT id, timestamp, actor, action, resource, resource_id, success, details
		FROM audit_log ORDER BY id DESC LIMIT ?`,
		func(stmt *sqlite.Stmt) error {
			out = append(out, AuditEntry{
				ID:         stmt.ColumnInt64(0),
				Timestamp:  tx.time(stmt, 1),
				Actor:      stmt.ColumnText(2),
				Action:     stmt.ColumnText(3),
				Resource:   stmt.ColumnText(4),
				ResourceID: stmt.ColumnText(5),
				Success:    stmt.ColumnInt(6) != 0,
				Details:    stmt.ColumnText(7),
			})
			return nil
		}, limit)
	return out, err
}

// AppendAudit records an entry in its own transaction. It is used for
// events that have no other write attached, such as a failed login.
func (s *Store) AppendAudit(ctx context.Context, actor, action, resource, resourceID string, success bool, details any) error {
	return s.Update(ctx, globalKey, func(tx *Tx) error {
		return tx.Audit(actor, action, resource, resourceID, success, details)
	})
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ListAudit(limit)
		return err
	})
	return out, err
}
