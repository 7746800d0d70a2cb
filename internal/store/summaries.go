package store

import (
	"encoding/json"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

type AppUsage struct {
	AppID   string `json:"app_id"`
	Seconds int64  `json:"seconds"`
}

type DailySummary struct {
	ProfileID         string           `json:"profile_id"`
	Day               string           `json:"day"`
	ScreenTimeSeconds int64            `json:"screen_time_seconds"`
	CountedSeconds    int64            `json:"counted_seconds"`
	LimitMinutes      int              `json:"limit_minutes"`
	SessionCount      int              `json:"session_count"`
	AppSwitches       int              `json:"app_switches"`
	UniqueApps        int              `json:"unique_apps"`
	TopApps           []AppUsage       `json:"top_apps"`
	Categories        map[string]int64 `json:"categories"`
	BlocksCount       int              `json:"blocks_count"`
	ViolationsCount   int              `json:"violations_count"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

type WeeklySummary struct {
	ProfileID           string           `json:"profile_id"`
	WeekStart           string           `json:"week_start"`
	WeekEnd             string           `json:"week_end"`
	TotalSeconds        int64            `json:"total_seconds"`
	DailyAverageSeconds int64            `json:"daily_average_seconds"`
	DaysActive          int              `json:"days_active"`
	DaysOverLimit       int              `json:"days_over_limit"`
	TopApps             []AppUsage       `json:"top_apps"`
	Categories          map[string]int64 `json:"categories"`
	BlocksCount         int              `json:"blocks_count"`
	ViolationsCount     int              `json:"violations_count"`
	// ChangePercent compares with the previous week; nil when that week
	// had no usage.
	ChangePercent *float64  `json:"change_percent"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func (tx *Tx) PutDailySummary(d *DailySummary) error {
	top, cats, err := marshalUsage(d.TopApps, d.Categories)
	if err != nil {
		return err
	}
	d.GeneratedAt = tx.now
	return tx.exec(`INSERT INTO daily_summaries (profile_id, day, screen_time_seconds, counted_seconds, limit_seconds,
			session_count, app_switches, unique_apps, top_apps, categories, blocks_count, violations_count, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, day) DO UPDATE SET
			screen_time_seconds = excluded.screen_time_seconds, counted_seconds = excluded.counted_seconds,
			limit_seconds = excluded.limit_seconds, session_count = excluded.session_count,
			app_switches = excluded.app_switches, unique_apps = excluded.unique_apps,
			top_apps = excluded.top_apps, categories = excluded.categories,
			blocks_count = excluded.blocks_count, violations_count = excluded.violations_count,
			generated_at = excluded.generated_at`,
		d.ProfileID, d.Day, d.ScreenTimeSeconds, d.CountedSeconds, int64(d.LimitMinutes)*60,
		d.SessionCount, d.AppSwitches, d.UniqueApps, top, cats, d.BlocksCount, d.ViolationsCount, d.GeneratedAt.UnixNano())
}

// DailySummary returns the stored summary, or nil.
func (tx *Tx) DailySummary(profileID, day string) (*DailySummary, error) {
	var out *DailySummary
	err := tx.query(`SELECT screen_time_seconds, counted_seconds, limit_seconds, session_count, app_switches,
			unique_apps, top_apps, categories, blocks_count, violations_count, generated_at
		FROM daily_summaries WHERE profile_id = ? AND day = ?`,
		func(stmt *sqlite.Stmt) error {
			d := &DailySummary{
				ProfileID:         profileID,
				Day:               day,
				ScreenTimeSeconds: stmt.ColumnInt64(0),
				CountedSeconds:    stmt.ColumnInt64(1),
				LimitMinutes:      int(stmt.ColumnInt64(2) / 60),
				SessionCount:      stmt.ColumnInt(3),
				AppSwitches:       stmt.ColumnInt(4),
				UniqueApps:        stmt.ColumnInt(5),
				BlocksCount:       stmt.ColumnInt(8),
				ViolationsCount:   stmt.ColumnInt(9),
				GeneratedAt:       tx.time(stmt, 10),
			}
			if err := unmarshalUsage(stmt.ColumnText(6), stmt.ColumnText(7), &d.TopApps, &d.Categories); err != nil {
				return err
			}
			out = d
			return nil
		}, profileID, day)
	return out, err
}

func (tx *Tx) PutWeeklySummary(w *WeeklySummary) error {
	top, cats, err := marshalUsage(w.TopApps, w.Categories)
	if err != nil {
		return err
	}
	var change any
	if w.ChangePercent != nil {
		change = *w.ChangePercent
	}
	w.GeneratedAt = tx.now
	return tx.exec(`INSERT INTO weekly_summaries (profile_id, week_start, week_end, total_seconds, daily_average_seconds,
			days_active, days_over_limit, top_apps, categories, blocks_count, violations_count, change_percent, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, week_start) DO UPDATE SET
			week_end = excluded.week_end, total_seconds = excluded.total_seconds,
			daily_average_seconds = excluded.daily_average_seconds, days_active = excluded.days_active,
			days_over_limit = excluded.days_over_limit, top_apps = excluded.top_apps,
			categories = excluded.categories, blocks_count = excluded.blocks_count,
			violations_count = excluded.violations_count, change_percent = excluded.change_percent,
			generated_at = excluded.generated_at`,
		w.ProfileID, w.WeekStart, w.WeekEnd, w.TotalSeconds, w.DailyAverageSeconds, w.DaysActive, w.DaysOverLimit,
		top, cats, w.BlocksCount, w.ViolationsCount, change, w.GeneratedAt.UnixNano())
}

// WeeklySummary returns the stored summary, or nil.
func (tx *Tx) WeeklySummary(profileID, weekStart string) (*WeeklySummary, error) {
	var out *WeeklySummary
	err := tx.query(`SELECT week_end, total_seconds, daily_average_seconds, days_active, days_over_limit,
			top_apps, categories, blocks_count, violations_count, change_percent, generated_at
		FROM weekly_summaries WHERE profile_id = ? AND week_start = ?`,
		func(stmt *sqlite.Stmt) error {
			w := &WeeklySummary{
				ProfileID:           profileID,
				WeekStart:           weekStart,
				WeekEnd:             stmt.ColumnText(0),
				TotalSeconds:        stmt.ColumnInt64(1),
				DailyAverageSeconds: stmt.ColumnInt64(2),
				DaysActive:          stmt.ColumnInt(3),
				DaysOverLimit:       stmt.ColumnInt(4),
				BlocksCount:         stmt.ColumnInt(7),
				ViolationsCount:     stmt.ColumnInt(8),
				GeneratedAt:         tx.time(stmt, 10),
			}
			if !stmt.ColumnIsNull(9) {
				c := stmt.ColumnFloat(9)
				w.ChangePercent = &c
			}
			if err := unmarshalUsage(stmt.ColumnText(5), stmt.ColumnText(6), &w.TopApps, &w.Categories); err != nil {
				return err
			}
			out = w
			return nil
		}, profileID, weekStart)
	return out, err
}

func marshalUsage(top []AppUsage, cats map[string]int64) (string, string, error) {
	if top == nil {
		top = []AppUsage{}
	}
	if cats == nil {
		cats = map[string]int64{}
	}
	t, err := json.Marshal(top)
	if err != nil {
		return "", "", err
	}
	c, err := json.Marshal(cats)
	if err != nil {
		return "", "", err
	}
	return string(t), string(c), nil
}

func unmarshalUsage(top, cats string, topOut *[]AppUsage, catsOut *map[string]int64) error {
	if err := json.Unmarshal([]byte(top), topOut); err != nil {
		return errs.Wrap(errs.KindInternal, err, "corrupt summary")
	}
	if err := json.Unmarshal([]byte(cats), catsOut); err != nil {
		return errs.Wrap(errs.KindInternal, err, "corrupt summary")
	}
	return nil
}
