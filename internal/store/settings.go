package store

import (
	"strconv"
	"time"

	"zombiezen.com/go/sqlite"
)

func (tx *Tx) Setting(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := tx.query(`SELECT value FROM settings WHERE key = ?`, func(stmt *sqlite.Stmt) error {
		value = stmt.ColumnText(0)
		found = true
		return nil
	}, key)
	return value, found, err
}

func (tx *Tx) SetSetting(key, value string) error {
	return tx.exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
}

func formatNanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string, loc *time.Location) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).In(loc), nil
}
