package storage

import (
	"encoding/json"
	"fmt"

	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

const attendanceTable = "Attendance"

// AttendanceRepo persists AttendanceRecord rows, partition key
// sessionId, row key studentId, per spec.md §6.
type AttendanceRepo struct {
	kv *badgerkv.Store
}

// Get reads a record and its version tag. Not-found is reported via
// badgerkv.ErrNotFound, a normal result for callers doing upsert.
func (r *AttendanceRepo) Get(sessionID, studentID string) (*models.AttendanceRecord, Version, error) {
	data, ver, err := r.kv.Get(attendanceTable, sessionID, studentID)
	if err != nil {
		return nil, 0, err
	}
	var rec models.AttendanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, fmt.Errorf("storage: unmarshal attendance: %w", err)
	}
	return &rec, ver, nil
}

// CreateIfAbsent writes a brand-new record.
func (r *AttendanceRepo) CreateIfAbsent(rec *models.AttendanceRecord) (Version, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal attendance: %w", err)
	}
	return r.kv.CreateIfAbsent(attendanceTable, rec.SessionID, rec.StudentID, data)
}

// ConditionalPut writes rec only if the stored version matches expected.
func (r *AttendanceRepo) ConditionalPut(rec *models.AttendanceRecord, expected Version) (Version, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal attendance: %w", err)
	}
	return r.kv.ConditionalPut(attendanceTable, rec.SessionID, rec.StudentID, data, expected)
}

// ListBySession returns every attendance record for a session.
func (r *AttendanceRepo) ListBySession(sessionID string) ([]*models.AttendanceRecord, error) {
	rows, err := r.kv.ScanPartition(attendanceTable, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		var rec models.AttendanceRecord
		if err := json.Unmarshal(row.Value, &rec); err != nil {
			return nil, fmt.Errorf("storage: unmarshal attendance: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
