package journal

import (
	"context"
	"database/sql"

	"SirenServer/internal/entity"
	"SirenServer/internal/repository"
)

// JournalRepo is the audit trail: escalation events and consent records, insert-only.
type JournalRepo struct {
	DB *sql.DB
}

func NewJournalRepo(db *sql.DB) *JournalRepo {
	return &JournalRepo{DB: db}
}

func (r *JournalRepo) AppendEscalation(ctx context.Context, ev entity.EscalationEvent) error {
	const q = `
		INSERT INTO escalation_events (id, session_id, level, candidate_id, fired_at, outcome)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := r.DB.ExecContext(ctx, q,
		ev.Id,
		ev.SessionId,
		int(ev.Level),
		repository.NullIfEmpty(ev.CandidateId),
		ev.FiredAt,
		ev.Outcome,
	)
	return err
}

func (r *JournalRepo) AppendConsent(ctx context.Context, rec entity.ConsentRecord) error {
	const q = `
		INSERT INTO consent_records (id, session_id, subject_id, consent_type, granted, origin_ip, user_agent, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := r.DB.ExecContext(ctx, q,
		rec.Id,
		rec.SessionId,
		rec.SubjectId,
		rec.ConsentType,
		rec.Granted,
		rec.OriginIp,
		rec.UserAgent,
		rec.CapturedAt,
	)
	return err
}

func (r *JournalRepo) Escalations(ctx context.Context, sessionID string) ([]entity.EscalationEvent, error) {
	const q = `
		SELECT seq, id, session_id, level, candidate_id, fired_at, outcome
		FROM escalation_events
		WHERE session_id = $1
		ORDER BY seq
	`
	rows, err := r.DB.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.EscalationEvent
	for rows.Next() {
		var (
			ev        entity.EscalationEvent
			level     int
			candidate sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Id, &ev.SessionId, &level, &candidate, &ev.FiredAt, &ev.Outcome); err != nil {
			return nil, err
		}
		ev.Level = entity.EscalationLevel(level)
		ev.CandidateId = candidate.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *JournalRepo) Consents(ctx context.Context, sessionID string) ([]entity.ConsentRecord, error) {
	const q = `
		SELECT seq, id, session_id, subject_id, consent_type, granted, host(origin_ip), user_agent, captured_at
		FROM consent_records
		WHERE session_id = $1
		ORDER BY seq
	`
	rows, err := r.DB.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ConsentRecord
	for rows.Next() {
		var rec entity.ConsentRecord
		if err := rows.Scan(
			&rec.Seq,
			&rec.Id,
			&rec.SessionId,
			&rec.SubjectId,
			&rec.ConsentType,
			&rec.Granted,
			&rec.OriginIp,
			&rec.UserAgent,
			&rec.CapturedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
