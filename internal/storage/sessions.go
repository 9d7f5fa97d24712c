package storage

import (
	"encoding/json"
	"fmt"

	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

const (
	sessionsTable     = "Sessions"
	sessionsPartition = "SESSION"
)

// SessionRepo persists Session records, partition key "SESSION", row key
// sessionId, per spec.md §6.
type SessionRepo struct {
	kv *badgerkv.Store
}

// Create writes a brand-new session. Fails if the sessionId is already
// taken.
func (r *SessionRepo) Create(s *models.Session) (Version, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal session: %w", err)
	}
	return r.kv.CreateIfAbsent(sessionsTable, sessionsPartition, s.SessionID, data)
}

// Get reads a session and its version tag.
func (r *SessionRepo) Get(sessionID string) (*models.Session, Version, error) {
	data, ver, err := r.kv.Get(sessionsTable, sessionsPartition, sessionID)
	if err != nil {
		return nil, 0, err
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, 0, fmt.Errorf("storage: unmarshal session: %w", err)
	}
	return &s, ver, nil
}

// ConditionalPut writes s only if the stored version matches expected.
func (r *SessionRepo) ConditionalPut(s *models.Session, expected Version) (Version, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal session: %w", err)
	}
	return r.kv.ConditionalPut(sessionsTable, sessionsPartition, s.SessionID, data, expected)
}

// Put writes s unconditionally, bypassing the version check. The
// session service writes through ConditionalPut, including for rotating
// token bookkeeping.
func (r *SessionRepo) Put(s *models.Session) (Version, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal session: %w", err)
	}
	return r.kv.Put(sessionsTable, sessionsPartition, s.SessionID, data)
}

// ListActive scans every session and returns those with status=ACTIVE,
// the sweep set for the background stall-detector ticker.
func (r *SessionRepo) ListActive() ([]*models.Session, error) {
	rows, err := r.kv.ScanPartition(sessionsTable, sessionsPartition)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, row := range rows {
		var s models.Session
		if err := json.Unmarshal(row.Value, &s); err != nil {
			return nil, fmt.Errorf("storage: unmarshal session: %w", err)
		}
		if s.Status == models.SessionActive {
			out = append(out, &s)
		}
	}
	return out, nil
}

// ListByTeacher scans every session and filters by teacherId. Sessions
// are not partitioned per-teacher in the storage contract (§6 only
// partitions by "SESSION"), so this is a full scan; acceptable at
// classroom scale.
func (r *SessionRepo) ListByTeacher(teacherID string) ([]*models.Session, error) {
	rows, err := r.kv.ScanPartition(sessionsTable, sessionsPartition)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, row := range rows {
		var s models.Session
		if err := json.Unmarshal(row.Value, &s); err != nil {
			return nil, fmt.Errorf("storage: unmarshal session: %w", err)
		}
		if s.TeacherID == teacherID {
			out = append(out, &s)
		}
	}
	return out, nil
}
