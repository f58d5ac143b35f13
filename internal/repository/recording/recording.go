package recording

import (
	"context"
	"database/sql"
	"errors"

	"SirenServer/internal/entity"
	"SirenServer/internal/repository"
)

type RecordingRepo struct {
	DB *sql.DB
}

func NewRecordingRepo(db *sql.DB) *RecordingRepo {
	return &RecordingRepo{DB: db}
}

// SaveRecording upserts the handle. Once permanently stored or flagged, a handle stays that way.
func (r *RecordingRepo) SaveRecording(ctx context.Context, h entity.RecordingHandle) error {
	const q = `
		INSERT INTO recording_handles (session_id, storage_ref, started_at, stopped_at, permanently_stored, failure_flag)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO UPDATE SET
			stopped_at = COALESCE(recording_handles.stopped_at, EXCLUDED.stopped_at),
			permanently_stored = recording_handles.permanently_stored OR EXCLUDED.permanently_stored,
			failure_flag = recording_handles.failure_flag OR EXCLUDED.failure_flag
	`
	_, err := r.DB.ExecContext(ctx, q,
		h.SessionId,
		h.StorageRef,
		h.StartedAt,
		repository.NullTime(h.StoppedAt),
		h.PermanentlyStored,
		h.FailureFlag,
	)
	return err
}

// FindBySession reports false when the session never recorded.
func (r *RecordingRepo) FindBySession(ctx context.Context, sessionID string) (*entity.RecordingHandle, bool, error) {
	const q = `
		SELECT session_id, storage_ref, started_at, stopped_at, permanently_stored, failure_flag
		FROM recording_handles
		WHERE session_id = $1
	`
	var (
		h       entity.RecordingHandle
		stopped sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, q, sessionID).Scan(
		&h.SessionId,
		&h.StorageRef,
		&h.StartedAt,
		&stopped,
		&h.PermanentlyStored,
		&h.FailureFlag,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	h.StoppedAt = repository.TimePtr(stopped)
	return &h, true, nil
}
