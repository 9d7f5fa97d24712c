// Package session owns the Session record and its rotating-token
// bookkeeping, per spec.md §4.3.
package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/cache"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

// Finalizer computes final attendance status for every record under a
// session; implemented by *attendance.Service. Declared here as a narrow
// interface so this package does not import attendance directly.
type Finalizer interface {
	ComputeFinalStatus(sessionID string) error
}

// Service implements the Session component.
type Service struct {
	repo      *storage.SessionRepo
	finalizer Finalizer
	cache     *cache.TTLCache[*models.Session]
	now       func() time.Time
}

// New builds a Service over repo, finalizing attendance via finalizer
// on End. cacheTTL overrides the default 60s read-through cache.
func New(repo *storage.SessionRepo, finalizer Finalizer, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Service{
		repo:      repo,
		finalizer: finalizer,
		cache:     cache.New[*models.Session](cacheTTL, 0),
		now:       time.Now,
	}
}

// qrPayload is the Session QR payload shape of spec.md §6.
type qrPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClassID   string `json:"classId"`
}

// Create validates required fields, mints a sessionId, and returns both
// the new Session and its base64 Session QR payload, per spec.md §4.3/§6.
func (s *Service) Create(teacherID, classID string, startAt, endAt int64, lateCutoffMinutes int, exitWindowMinutes int, constraints *models.Constraints) (*models.Session, string, error) {
	if teacherID == "" || classID == "" {
		return nil, "", apierr.InvalidRequest("teacherId and classId are required")
	}
	if startAt <= 0 || endAt <= 0 || endAt <= startAt {
		return nil, "", apierr.InvalidRequest("startAt and endAt must form a valid window")
	}
	if exitWindowMinutes <= 0 {
		exitWindowMinutes = 10
	}
	sess := &models.Session{
		SessionID:         uuid.New().String(),
		ClassID:           classID,
		TeacherID:         teacherID,
		StartAt:           startAt,
		EndAt:             endAt,
		LateCutoffMinutes: lateCutoffMinutes,
		ExitWindowMinutes: exitWindowMinutes,
		Status:            models.SessionActive,
		OwnerTransfer:     true,
		Constraints:       constraints,
		CreatedAt:         s.now().Unix(),
	}
	if _, err := s.repo.Create(sess); err != nil {
		return nil, "", apierr.StorageError(err, "create session")
	}
	qr, err := encodeQR(sess)
	if err != nil {
		return nil, "", err
	}
	return sess, qr, nil
}

func encodeQR(sess *models.Session) (string, error) {
	raw, err := json.Marshal(qrPayload{Type: "SESSION", SessionID: sess.SessionID, ClassID: sess.ClassID})
	if err != nil {
		return "", apierr.Internal(err, "encode session qr payload")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Get reads a session through the 60s in-process cache, falling
// through to storage on a miss, per spec.md §4.3.
func (s *Service) Get(sessionID string) (*models.Session, error) {
	if cached, ok := s.cache.Get(sessionID); ok {
		return cached, nil
	}
	sess, _, err := s.repo.Get(sessionID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil, apierr.NotFound("session %s not found", sessionID)
	}
	if err != nil {
		return nil, apierr.StorageError(err, "read session")
	}
	s.cache.Set(sessionID, sess)
	return sess, nil
}

// End requires the caller to be the session's teacher and the session to
// be ACTIVE. It clears rotating-token activity flags, invalidates the
// cache, and triggers attendance finalization for every record, per
// spec.md §4.3.
func (s *Service) End(sessionID, callerTeacherID string) (*models.Session, error) {
	sess, ver, err := s.repo.Get(sessionID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil, apierr.NotFound("session %s not found", sessionID)
	}
	if err != nil {
		return nil, apierr.StorageError(err, "read session")
	}
	if sess.TeacherID != callerTeacherID {
		return nil, apierr.Forbidden("only the owning teacher may end this session")
	}
	if sess.Status != models.SessionActive {
		return nil, apierr.SessionEnded("session %s is already ended", sessionID)
	}

	next := *sess
	next.Status = models.SessionEnded
	next.EndedAt = s.now().Unix()
	next.LateEntryActive = false
	next.EarlyLeaveActive = false
	next.CurrentLateTokenID = ""
	next.CurrentEarlyTokenID = ""
	if _, err := s.repo.ConditionalPut(&next, ver); err != nil {
		if errors.Is(err, badgerkv.ErrConflict) {
			return nil, apierr.Conflict("session %s was concurrently modified", sessionID)
		}
		return nil, apierr.StorageError(err, "end session")
	}
	s.cache.Invalidate(sessionID)

	if err := s.finalizer.ComputeFinalStatus(sessionID); err != nil {
		return nil, fmt.Errorf("session: finalize attendance for %s: %w", sessionID, err)
	}
	return &next, nil
}

// UpdateLateEntryStatus flips the lateEntryActive flag and records the
// current rotating token id, invalidating the cache.
func (s *Service) UpdateLateEntryStatus(sessionID string, active bool, tokenID string) (*models.Session, error) {
	return s.updateRotatingStatus(sessionID, func(sess *models.Session) {
		sess.LateEntryActive = active
		sess.CurrentLateTokenID = tokenID
	})
}

// UpdateEarlyLeaveStatus flips the earlyLeaveActive flag and records the
// current rotating token id, invalidating the cache.
func (s *Service) UpdateEarlyLeaveStatus(sessionID string, active bool, tokenID string) (*models.Session, error) {
	return s.updateRotatingStatus(sessionID, func(sess *models.Session) {
		sess.EarlyLeaveActive = active
		sess.CurrentEarlyTokenID = tokenID
	})
}

func (s *Service) updateRotatingStatus(sessionID string, mutate func(*models.Session)) (*models.Session, error) {
	sess, ver, err := s.repo.Get(sessionID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil, apierr.NotFound("session %s not found", sessionID)
	}
	if err != nil {
		return nil, apierr.StorageError(err, "read session")
	}
	if sess.Status != models.SessionActive {
		return nil, apierr.SessionEnded("session %s has ended", sessionID)
	}
	next := *sess
	mutate(&next)
	if _, err := s.repo.ConditionalPut(&next, ver); err != nil {
		if errors.Is(err, badgerkv.ErrConflict) {
			return nil, apierr.Conflict("session %s was concurrently modified", sessionID)
		}
		return nil, apierr.StorageError(err, "update session")
	}
	s.cache.Invalidate(sessionID)
	return &next, nil
}

// ListByTeacher returns every session owned by teacherID.
func (s *Service) ListByTeacher(teacherID string) ([]*models.Session, error) {
	sessions, err := s.repo.ListByTeacher(teacherID)
	if err != nil {
		return nil, apierr.StorageError(err, "list sessions by teacher")
	}
	return sessions, nil
}
