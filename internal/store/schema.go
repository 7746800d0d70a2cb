package store

// Times are stored as unix nanoseconds, calendar days as YYYY-MM-DD in the
// daemon's time zone.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	age_group   TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	config      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_versions (
	profile_id  TEXT NOT NULL REFERENCES profiles(id),
	version     INTEGER NOT NULL,
	config      TEXT NOT NULL,
	changed_by  TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (profile_id, version)
);

CREATE TRIGGER IF NOT EXISTS policy_versions_no_update
BEFORE UPDATE ON policy_versions
BEGIN
	SELECT RAISE(ABORT, 'policy_versions is append-only');
END;

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	profile_id        TEXT NOT NULL REFERENCES profiles(id),
	start_time        INTEGER NOT NULL,
	end_time          INTEGER,
	end_reason        TEXT,
	last_activity_at  INTEGER NOT NULL,
	active_seconds    INTEGER NOT NULL DEFAULT 0,
	idle_seconds      INTEGER NOT NULL DEFAULT 0,
	current_app       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS sessions_open ON sessions(profile_id) WHERE end_time IS NULL;
CREATE INDEX IF NOT EXISTS sessions_profile_start ON sessions(profile_id, start_time);

CREATE TABLE IF NOT EXISTS activities (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id    TEXT NOT NULL REFERENCES profiles(id),
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	app_id        TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	window_title  TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	day           TEXT NOT NULL,
	seconds       INTEGER NOT NULL,
	exempt        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS activities_profile_day ON activities(profile_id, day);

CREATE TABLE IF NOT EXISTS exceptions (
	id          TEXT PRIMARY KEY,
	profile_id  TEXT NOT NULL REFERENCES profiles(id),
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	granted_by  TEXT NOT NULL,
	granted_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	used        INTEGER NOT NULL DEFAULT 0,
	used_on     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS exceptions_profile ON exceptions(profile_id, active, expires_at);

CREATE TABLE IF NOT EXISTS approval_requests (
	id               TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL REFERENCES profiles(id),
	request_type     TEXT NOT NULL,
	requested_at     INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	details          TEXT NOT NULL,
	reviewed_by      TEXT NOT NULL DEFAULT '',
	reviewed_at      INTEGER,
	response_reason  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS approval_requests_pending ON approval_requests(status, requested_at);

CREATE TABLE IF NOT EXISTS daily_summaries (
	profile_id           TEXT NOT NULL REFERENCES profiles(id),
	day                  TEXT NOT NULL,
	screen_time_seconds  INTEGER NOT NULL,
	counted_seconds      INTEGER NOT NULL,
	limit_seconds        INTEGER NOT NULL,
	session_count        INTEGER NOT NULL,
	app_switches         INTEGER NOT NULL,
	unique_apps          INTEGER NOT NULL,
	top_apps             TEXT NOT NULL,
	categories           TEXT NOT NULL,
	blocks_count         INTEGER NOT NULL,
	violations_count     INTEGER NOT NULL,
	generated_at         INTEGER NOT NULL,
	PRIMARY KEY (profile_id, day)
);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	profile_id             TEXT NOT NULL REFERENCES profiles(id),
	week_start             TEXT NOT NULL,
	week_end               TEXT NOT NULL,
	total_seconds          INTEGER NOT NULL,
	daily_average_seconds  INTEGER NOT NULL,
	days_active            INTEGER NOT NULL,
	days_over_limit        INTEGER NOT NULL,
	top_apps               TEXT NOT NULL,
	categories             TEXT NOT NULL,
	blocks_count           INTEGER NOT NULL,
	violations_count       INTEGER NOT NULL,
	change_percent         REAL,
	generated_at           INTEGER NOT NULL,
	PRIMARY KEY (profile_id, week_start)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    INTEGER NOT NULL,
	actor        TEXT NOT NULL,
	action       TEXT NOT NULL,
	resource     TEXT NOT NULL,
	resource_id  TEXT NOT NULL DEFAULT '',
	success      INTEGER NOT NULL,
	details      TEXT NOT NULL DEFAULT ''
);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TABLE IF NOT EXISTS enforcement_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id  TEXT NOT NULL REFERENCES profiles(id),
	at          INTEGER NOT NULL,
	day         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	app_id      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS enforcement_events_profile_day ON enforcement_events(profile_id, day);

CREATE TABLE IF NOT EXISTS limit_trips (
	profile_id  TEXT NOT NULL REFERENCES profiles(id),
	day         TEXT NOT NULL,
	tripped_at  INTEGER NOT NULL,
	PRIMARY KEY (profile_id, day)
);

CREATE TABLE IF NOT EXISTS verdicts (
	profile_id   TEXT NOT NULL REFERENCES profiles(id),
	resource     TEXT NOT NULL,
	risk_level   TEXT NOT NULL,
	action       TEXT NOT NULL,
	received_at  INTEGER NOT NULL,
	PRIMARY KEY (profile_id, resource)
);

CREATE TABLE IF NOT EXISTS settings (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL
);
`
