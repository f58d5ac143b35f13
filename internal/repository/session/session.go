package session

import (
	"context"
	"database/sql"
	"errors"

	"SirenServer/internal/entity"
	"SirenServer/internal/repository"
)

const selectSessions = `
SELECT
	id,
	client_id,
	reader_id,
	status,
	requested_at,
	accepted_at,
	started_at,
	scheduled_end_at,
	ended_at,
	termination_reason,
	extension_ordinal,
	predecessor_id,
	version
FROM call_sessions
`

type SessionRepo struct {
	DB *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{DB: db}
}

// Save upserts a snapshot. Older versions never overwrite newer ones and scheduled_end_at is write-once.
func (r *SessionRepo) Save(ctx context.Context, s *entity.CallSession) error {
	const q = `
INSERT INTO call_sessions (
	id, client_id, reader_id, status, requested_at, accepted_at, started_at,
	scheduled_end_at, ended_at, termination_reason, extension_ordinal, predecessor_id, version
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
	reader_id = EXCLUDED.reader_id,
	status = EXCLUDED.status,
	accepted_at = EXCLUDED.accepted_at,
	started_at = EXCLUDED.started_at,
	scheduled_end_at = COALESCE(call_sessions.scheduled_end_at, EXCLUDED.scheduled_end_at),
	ended_at = EXCLUDED.ended_at,
	termination_reason = EXCLUDED.termination_reason,
	version = EXCLUDED.version
WHERE call_sessions.version < EXCLUDED.version
`
	_, err := r.DB.ExecContext(ctx, q,
		s.Id,
		s.ClientId,
		repository.NullIfEmpty(s.ReaderId),
		s.Status,
		s.RequestedAt,
		repository.NullTime(s.AcceptedAt),
		repository.NullTime(s.StartedAt),
		repository.NullTime(s.ScheduledEndAt),
		repository.NullTime(s.EndedAt),
		repository.NullIfEmpty(string(s.TerminationReason)),
		s.ExtensionOrdinal,
		repository.NullIfEmpty(s.PredecessorId),
		s.Version,
	)
	return err
}

func (r *SessionRepo) FindByID(ctx context.Context, id string) (*entity.CallSession, error) {
	row := r.DB.QueryRowContext(ctx, selectSessions+" WHERE id = $1", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrSessionNotFound
	}
	return s, err
}

func (r *SessionRepo) List(ctx context.Context) ([]*entity.CallSession, error) {
	rows, err := r.DB.QueryContext(ctx, selectSessions+" ORDER BY requested_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*entity.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*entity.CallSession, error) {
	var (
		s                                   entity.CallSession
		reader, reason, predecessor         sql.NullString
		accepted, started, scheduled, ended sql.NullTime
	)
	if err := row.Scan(
		&s.Id,
		&s.ClientId,
		&reader,
		&s.Status,
		&s.RequestedAt,
		&accepted,
		&started,
		&scheduled,
		&ended,
		&reason,
		&s.ExtensionOrdinal,
		&predecessor,
		&s.Version,
	); err != nil {
		return nil, err
	}
	s.ReaderId = reader.String
	s.TerminationReason = entity.TerminationReason(reason.String)
	s.PredecessorId = predecessor.String
	s.AcceptedAt = repository.TimePtr(accepted)
	s.StartedAt = repository.TimePtr(started)
	s.ScheduledEndAt = repository.TimePtr(scheduled)
	s.EndedAt = repository.TimePtr(ended)
	return &s, nil
}
