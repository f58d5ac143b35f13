package session

import (
	"database/sql"
	"fmt"
	"reflect"
	"testing"
	"time"

	"SirenServer/internal/entity"
)

// row hands its values to Scan in order; each value must have the destination's exact type.
type row []any

func (r row) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, d := range dest {
		v := reflect.ValueOf(r[i])
		target := reflect.ValueOf(d).Elem()
		if v.Type() != target.Type() {
			return fmt.Errorf("column %d: %s into %s", i, v.Type(), target.Type())
		}
		target.Set(v)
	}
	return nil
}

func TestScanArchivedSession(t *testing.T) {
	requested := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	end := requested.Add(30 * time.Minute)

	s, err := scanSession(row{
		"s1",
		"client",
		sql.NullString{String: "R1", Valid: true},
		entity.StatusCompleted,
		requested,
		sql.NullTime{Time: requested, Valid: true},
		sql.NullTime{Time: requested, Valid: true},
		sql.NullTime{Time: end, Valid: true},
		sql.NullTime{Time: end, Valid: true},
		sql.NullString{String: string(entity.ReasonExpired), Valid: true},
		1,
		sql.NullString{String: "s0", Valid: true},
		int64(7),
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if s.ReaderId != "R1" || s.Status != entity.StatusCompleted || s.TerminationReason != entity.ReasonExpired {
		t.Fatalf("session = %+v", s)
	}
	if s.ScheduledEndAt == nil || !s.ScheduledEndAt.Equal(end) || s.PredecessorId != "s0" || s.Version != 7 {
		t.Fatalf("session = %+v", s)
	}
}

func TestScanRequestedSessionLeavesNullsEmpty(t *testing.T) {
	requested := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	s, err := scanSession(row{
		"s2",
		"client",
		sql.NullString{},
		entity.StatusRequested,
		requested,
		sql.NullTime{},
		sql.NullTime{},
		sql.NullTime{},
		sql.NullTime{},
		sql.NullString{},
		0,
		sql.NullString{},
		int64(1),
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if s.ReaderId != "" || s.AcceptedAt != nil || s.ScheduledEndAt != nil || s.EndedAt != nil || s.TerminationReason != "" {
		t.Fatalf("session = %+v", s)
	}
}
