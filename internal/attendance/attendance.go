// Package attendance owns per-student attendance records for a session
// and computes final status, per spec.md §4.4.
package attendance

import (
	"errors"
	"time"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
	"github.com/vireclass/attendd/internal/realtime"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

// maxCASRetries bounds the read-modify-write retry loop used by every
// upsert; a conflict this many times in a row under classroom-scale
// traffic indicates a stuck writer, not ordinary contention.
const maxCASRetries = 8

// Service implements the upsert/merge and finalization operations.
type Service struct {
	repo *storage.AttendanceRepo
	sink realtime.Sink
	log  *obs.Logger
	now  func() time.Time
}

// New builds a Service over repo, emitting realtime updates on sink.
func New(repo *storage.AttendanceRepo, sink realtime.Sink, log *obs.Logger) *Service {
	return &Service{repo: repo, sink: sink, log: log, now: time.Now}
}

// upsert runs a read-modify-write loop against the CAS-backed repo,
// retrying on a version conflict so concurrent field-level merges
// commute instead of clobbering each other.
func (s *Service) upsert(sessionID, studentID string, merge func(rec *models.AttendanceRecord)) (*models.AttendanceRecord, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		rec, ver, err := s.repo.Get(sessionID, studentID)
		switch {
		case errors.Is(err, badgerkv.ErrNotFound):
			rec = &models.AttendanceRecord{SessionID: sessionID, StudentID: studentID}
			merge(rec)
			if _, err := s.repo.CreateIfAbsent(rec); err != nil {
				if errors.Is(err, badgerkv.ErrAlreadyExists) {
					continue // another writer created it first; retry as an update
				}
				return nil, apierr.StorageError(err, "create attendance record")
			}
			return rec, nil
		case err != nil:
			return nil, apierr.StorageError(err, "read attendance record")
		default:
			merge(rec)
			if _, err := s.repo.ConditionalPut(rec, ver); err != nil {
				if errors.Is(err, badgerkv.ErrConflict) {
					continue
				}
				return nil, apierr.StorageError(err, "update attendance record")
			}
			return rec, nil
		}
	}
	return nil, apierr.Conflict("attendance record for student %s contended past retry budget", studentID)
}

// MarkEntry upserts entryStatus/entryAt for a student, per spec.md
// §4.4. status must be PRESENT_ENTRY or LATE_ENTRY.
func (s *Service) MarkEntry(sessionID, studentID string, status models.EntryStatus) (*models.AttendanceRecord, error) {
	now := s.now().Unix()
	rec, err := s.upsert(sessionID, studentID, func(rec *models.AttendanceRecord) {
		rec.EntryStatus = status
		rec.EntryAt = now
	})
	if err != nil {
		return nil, err
	}
	exitVerified := rec.ExitVerified
	realtime.EmitAttendanceUpdate(s.sink, sessionID, realtime.AttendanceUpdateArg{
		StudentID:    studentID,
		EntryStatus:  string(rec.EntryStatus),
		ExitVerified: &exitVerified,
	})
	return rec, nil
}

// MarkExitVerified upserts exitVerified/exitVerifiedAt for a student.
func (s *Service) MarkExitVerified(sessionID, studentID string) (*models.AttendanceRecord, error) {
	now := s.now().Unix()
	rec, err := s.upsert(sessionID, studentID, func(rec *models.AttendanceRecord) {
		rec.ExitVerified = true
		rec.ExitVerifiedAt = now
	})
	if err != nil {
		return nil, err
	}
	exitVerified := rec.ExitVerified
	realtime.EmitAttendanceUpdate(s.sink, sessionID, realtime.AttendanceUpdateArg{
		StudentID:    studentID,
		EntryStatus:  string(rec.EntryStatus),
		ExitVerified: &exitVerified,
	})
	return rec, nil
}

// MarkEarlyLeave upserts earlyLeaveAt for a student.
func (s *Service) MarkEarlyLeave(sessionID, studentID string) (*models.AttendanceRecord, error) {
	now := s.now().Unix()
	rec, err := s.upsert(sessionID, studentID, func(rec *models.AttendanceRecord) {
		rec.EarlyLeaveAt = now
	})
	if err != nil {
		return nil, err
	}
	realtime.EmitAttendanceUpdate(s.sink, sessionID, realtime.AttendanceUpdateArg{
		StudentID:    studentID,
		EarlyLeaveAt: rec.EarlyLeaveAt,
	})
	return rec, nil
}

// Get returns one student's attendance record for a session.
func (s *Service) Get(sessionID, studentID string) (*models.AttendanceRecord, error) {
	rec, _, err := s.repo.Get(sessionID, studentID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil, apierr.NotFound("no attendance record for student %s", studentID)
	}
	if err != nil {
		return nil, apierr.StorageError(err, "read attendance record")
	}
	return rec, nil
}

// GetAll returns every attendance record for a session.
func (s *Service) GetAll(sessionID string) ([]*models.AttendanceRecord, error) {
	recs, err := s.repo.ListBySession(sessionID)
	if err != nil {
		return nil, apierr.StorageError(err, "list attendance records")
	}
	return recs, nil
}

// FinalStatus computes the terminal status for one record, per the
// priority table in spec.md §4.4.
func FinalStatus(rec *models.AttendanceRecord) models.FinalStatus {
	switch {
	case rec.EarlyLeaveAt != 0:
		return models.FinalEarlyLeave
	case rec.EntryStatus == models.EntryPresent && rec.ExitVerified:
		return models.FinalPresent
	case rec.EntryStatus == models.EntryPresent && !rec.ExitVerified:
		return models.FinalLeftEarly
	case rec.EntryStatus == models.EntryLate && rec.ExitVerified:
		return models.FinalLate
	case rec.EntryStatus == models.EntryLate && !rec.ExitVerified:
		return models.FinalLeftEarly
	default:
		return models.FinalAbsent
	}
}

// ComputeFinalStatus finalizes every record under a session, called by
// Session.End once the session transitions to ENDED.
func (s *Service) ComputeFinalStatus(sessionID string) error {
	recs, err := s.repo.ListBySession(sessionID)
	if err != nil {
		return apierr.StorageError(err, "list attendance records for finalization")
	}
	for _, rec := range recs {
		target := FinalStatus(rec)
		if rec.FinalStatus == target {
			continue
		}
		studentID := rec.StudentID
		if _, err := s.upsert(sessionID, studentID, func(r *models.AttendanceRecord) {
			r.FinalStatus = FinalStatus(r)
		}); err != nil {
			s.log.Error().Str("error", err.Error()).Str("sessionId", sessionID).Str("studentId", studentID).Msg("finalize attendance record")
			continue
		}
	}
	return nil
}
