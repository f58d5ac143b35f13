package repository

import (
	"context"
	"database/sql"
	"time"
)

// Schema is applied by scripts/db_creator and on boot when STORE=postgres.
// The escalation and consent tables are append-only: updates and deletes are discarded by rules.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	login VARCHAR(64) NOT NULL UNIQUE,
	role VARCHAR(16) NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	password_hash TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS availability_windows (
	id SERIAL PRIMARY KEY,
	user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	day_of_week SMALLINT NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
	start_local CHAR(5) NOT NULL,
	end_local CHAR(5) NOT NULL,
	timezone TEXT NOT NULL,
	emergency_opt_in BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS call_sessions (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	reader_id TEXT,
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	accepted_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	scheduled_end_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	termination_reason TEXT,
	extension_ordinal INT NOT NULL DEFAULT 0,
	predecessor_id TEXT,
	version BIGINT NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS journal_seq;

CREATE TABLE IF NOT EXISTS escalation_events (
	seq BIGINT PRIMARY KEY DEFAULT nextval('journal_seq'),
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	level SMALLINT NOT NULL,
	candidate_id TEXT,
	fired_at TIMESTAMPTZ NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS escalation_events_session_idx ON escalation_events(session_id);

CREATE TABLE IF NOT EXISTS consent_records (
	seq BIGINT PRIMARY KEY DEFAULT nextval('journal_seq'),
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	consent_type TEXT NOT NULL,
	granted BOOLEAN NOT NULL,
	origin_ip INET NOT NULL,
	user_agent TEXT NOT NULL DEFAULT '',
	captured_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS consent_records_session_idx ON consent_records(session_id);

CREATE OR REPLACE RULE escalation_events_no_update AS ON UPDATE TO escalation_events DO INSTEAD NOTHING;
CREATE OR REPLACE RULE escalation_events_no_delete AS ON DELETE TO escalation_events DO INSTEAD NOTHING;
CREATE OR REPLACE RULE consent_records_no_update AS ON UPDATE TO consent_records DO INSTEAD NOTHING;
CREATE OR REPLACE RULE consent_records_no_delete AS ON DELETE TO consent_records DO INSTEAD NOTHING;

CREATE TABLE IF NOT EXISTS recording_handles (
	session_id TEXT PRIMARY KEY,
	storage_ref TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	stopped_at TIMESTAMPTZ,
	permanently_stored BOOLEAN NOT NULL DEFAULT FALSE,
	failure_flag BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS extension_chains (
	origin_session_id TEXT PRIMARY KEY,
	new_session_id TEXT NOT NULL UNIQUE,
	extension_ordinal INT NOT NULL,
	price_tier_applied INT NOT NULL,
	approval_mode TEXT NOT NULL,
	transitioned_at TIMESTAMPTZ NOT NULL
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

func NullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
