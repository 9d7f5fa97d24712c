// Package engine wires every component of spec.md §4 into one owned
// object graph, analogous to the teacher's internal/app.App.
package engine

import (
	"fmt"
	"time"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/attendance"
	"github.com/vireclass/attendd/internal/authn"
	"github.com/vireclass/attendd/internal/chainengine"
	"github.com/vireclass/attendd/internal/config"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
	"github.com/vireclass/attendd/internal/realtime"
	"github.com/vireclass/attendd/internal/scanpipeline"
	"github.com/vireclass/attendd/internal/session"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/token"
	"github.com/vireclass/attendd/internal/validation"
)

// Engine owns every domain component and the storage handle beneath
// them. It is the single composition root both the HTTP transport and
// the MCP tool surface are built on top of.
type Engine struct {
	Config     *config.Config
	Logger     *obs.Logger
	Storage    *storage.Manager
	Auth       *authn.Resolver
	Token      *token.Service
	Chain      *chainengine.Service
	Session    *session.Service
	Attendance *attendance.Service
	Validation *validation.RateLimiter
	Audit      *validation.AuditLogger
	Realtime   *realtime.InProcessSink
	Pipeline   *scanpipeline.Pipeline
}

// New opens storage and wires every component after the collaborators it
// takes: Auth, Realtime Sink, Attendance, Token, Session, Chain,
// Validation (rate limiter and audit logger), Scan Pipeline.
func New(cfg *config.Config, log *obs.Logger) (*Engine, error) {
	mgr, err := storage.Open(cfg.Storage.BadgerPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	e := &Engine{
		Config:  cfg,
		Logger:  log,
		Storage: mgr,
	}

	e.Auth = authn.NewResolver(cfg.Auth.StudentDomain, cfg.Auth.TeacherDomain)
	e.Realtime = realtime.NewInProcessSink(500)
	e.Attendance = attendance.New(mgr.Attendance, e.Realtime, log)
	e.Token = token.New(mgr.Tokens, time.Duration(cfg.RotatingToken.CacheTTLSeconds)*time.Second)
	e.Session = session.New(mgr.Sessions, e.Attendance, time.Duration(cfg.Session.CacheTTLSeconds)*time.Second)
	e.Chain = chainengine.New(mgr.Chains, e.Token, e.Attendance, e.Realtime, log)
	e.Validation = validation.NewRateLimiter(validation.Limits{
		DeviceMax:    cfg.RateLimit.DeviceMax,
		DeviceWindow: time.Duration(cfg.RateLimit.DeviceWindowSeconds) * time.Second,
		IPMax:        cfg.RateLimit.IPMax,
		IPWindow:     time.Duration(cfg.RateLimit.IPWindowSeconds) * time.Second,
	})
	e.Audit = validation.NewAuditLogger(mgr.ScanLogs)
	e.Pipeline = scanpipeline.New(e.Auth, e.Session, e.Token, e.Chain, e.Attendance, e.Validation, e.Audit, log)

	return e, nil
}

// Close releases the storage handle.
func (e *Engine) Close() error {
	return e.Storage.Close()
}

// RunStallDetectionFor sweeps both chain phases for one session. Called
// by the background ticker in cmd/attendd, per spec.md §9's suggested
// 10s tick. The Chain component has no notion of "all sessions", so the
// ticker drives this per active session it already knows about.
func (e *Engine) RunStallDetectionFor(sessionID string) error {
	for _, phase := range []models.ChainPhase{models.PhaseEntry, models.PhaseExit} {
		if _, err := e.Chain.DetectStalled(sessionID, phase); err != nil {
			return err
		}
	}
	return nil
}

// rotatingTTLSeconds is the lifetime of LATE_ENTRY/EARLY_LEAVE tokens,
// per spec.md §6.
const rotatingTTLSeconds = 60

// StartLateEntry mints a fresh LATE_ENTRY token and marks the session's
// rotating flag active, per spec.md §6.
func (e *Engine) StartLateEntry(sessionID, teacherID string) (string, error) {
	return e.startRotating(sessionID, teacherID, models.TokenLateEntry, e.Session.UpdateLateEntryStatus)
}

// StopLateEntry revokes the current LATE_ENTRY token and clears the flag.
func (e *Engine) StopLateEntry(sessionID, teacherID, currentTokenID string) error {
	return e.stopRotating(sessionID, teacherID, currentTokenID, e.Session.UpdateLateEntryStatus)
}

// RotateLateEntry revokes the current LATE_ENTRY token (if any) and
// mints a fresh one, invalidating the cache.
func (e *Engine) RotateLateEntry(sessionID, teacherID, currentTokenID string) (string, error) {
	if currentTokenID != "" {
		if err := e.Token.Revoke(sessionID, currentTokenID); err != nil {
			return "", err
		}
	}
	return e.startRotating(sessionID, teacherID, models.TokenLateEntry, e.Session.UpdateLateEntryStatus)
}

// StartEarlyLeave mints a fresh EARLY_LEAVE token and marks the
// session's rotating flag active.
func (e *Engine) StartEarlyLeave(sessionID, teacherID string) (string, error) {
	return e.startRotating(sessionID, teacherID, models.TokenEarlyLeave, e.Session.UpdateEarlyLeaveStatus)
}

// StopEarlyLeave revokes the current EARLY_LEAVE token and clears the flag.
func (e *Engine) StopEarlyLeave(sessionID, teacherID, currentTokenID string) error {
	return e.stopRotating(sessionID, teacherID, currentTokenID, e.Session.UpdateEarlyLeaveStatus)
}

// RotateEarlyLeave revokes the current EARLY_LEAVE token (if any) and
// mints a fresh one.
func (e *Engine) RotateEarlyLeave(sessionID, teacherID, currentTokenID string) (string, error) {
	if currentTokenID != "" {
		if err := e.Token.Revoke(sessionID, currentTokenID); err != nil {
			return "", err
		}
	}
	return e.startRotating(sessionID, teacherID, models.TokenEarlyLeave, e.Session.UpdateEarlyLeaveStatus)
}

func (e *Engine) startRotating(sessionID, teacherID string, typ models.TokenType, update func(string, bool, string) (*models.Session, error)) (string, error) {
	sess, err := e.Session.Get(sessionID)
	if err != nil {
		return "", err
	}
	if sess.TeacherID != teacherID {
		return "", apierr.Forbidden("only the owning teacher may control rotating tokens")
	}
	tok, err := e.Token.Create(sessionID, typ, rotatingTTLSeconds, false, "", "", 0)
	if err != nil {
		return "", err
	}
	if _, err := update(sessionID, true, tok.TokenID); err != nil {
		return "", err
	}
	return tok.TokenID, nil
}

func (e *Engine) stopRotating(sessionID, teacherID, currentTokenID string, update func(string, bool, string) (*models.Session, error)) error {
	sess, err := e.Session.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.TeacherID != teacherID {
		return apierr.Forbidden("only the owning teacher may control rotating tokens")
	}
	if currentTokenID != "" {
		if err := e.Token.Revoke(sessionID, currentTokenID); err != nil {
			return err
		}
	}
	_, err = update(sessionID, false, "")
	return err
}

// SeedEntry seeds K entry-phase chains, enforcing that the caller is the
// owning teacher, per spec.md §6's teacher-only chain controls.
func (e *Engine) SeedEntry(sessionID, teacherID string, k int) ([]*models.Chain, error) {
	if err := e.requireOwningTeacher(sessionID, teacherID); err != nil {
		return nil, err
	}
	eligible, err := e.EligibleForEntry(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Chain.SeedChains(sessionID, models.PhaseEntry, k, eligible)
}

// SeedExit seeds K exit-phase chains.
func (e *Engine) SeedExit(sessionID, teacherID string, k int) ([]*models.Chain, error) {
	if err := e.requireOwningTeacher(sessionID, teacherID); err != nil {
		return nil, err
	}
	eligible, err := e.EligibleForExit(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Chain.SeedChains(sessionID, models.PhaseExit, k, eligible)
}

// ReseedEntry reseeds K entry-phase chains.
func (e *Engine) ReseedEntry(sessionID, teacherID string, k int) ([]*models.Chain, error) {
	if err := e.requireOwningTeacher(sessionID, teacherID); err != nil {
		return nil, err
	}
	eligible, err := e.EligibleForEntry(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Chain.ReseedChains(sessionID, models.PhaseEntry, k, eligible)
}

// ReseedExit reseeds K exit-phase chains.
func (e *Engine) ReseedExit(sessionID, teacherID string, k int) ([]*models.Chain, error) {
	if err := e.requireOwningTeacher(sessionID, teacherID); err != nil {
		return nil, err
	}
	eligible, err := e.EligibleForExit(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Chain.ReseedChains(sessionID, models.PhaseExit, k, eligible)
}

func (e *Engine) requireOwningTeacher(sessionID, teacherID string) error {
	sess, err := e.Session.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.TeacherID != teacherID {
		return apierr.Forbidden("only the owning teacher may control this session's chains")
	}
	return nil
}

// EligibleForEntry returns every student who has joined the session,
// the ENTRY-phase seeding eligibility set of spec.md §4.2, derived from
// successful JOIN scan-log rows.
func (e *Engine) EligibleForEntry(sessionID string) ([]string, error) {
	logs, err := e.Storage.ScanLogs.ListBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: list scan logs: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, l := range logs {
		if l.Flow == models.FlowJoin && l.Result == models.ResultSuccess && !seen[l.ScannerID] {
			seen[l.ScannerID] = true
			ids = append(ids, l.ScannerID)
		}
	}
	return ids, nil
}

// EligibleForExit returns every student whose entryStatus is
// PRESENT_ENTRY or LATE_ENTRY and who has not already left early, the
// EXIT-phase seeding eligibility set of spec.md §4.2.
func (e *Engine) EligibleForExit(sessionID string) ([]string, error) {
	recs, err := e.Attendance.GetAll(sessionID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		if (r.EntryStatus == models.EntryPresent || r.EntryStatus == models.EntryLate) && r.EarlyLeaveAt == 0 {
			ids = append(ids, r.StudentID)
		}
	}
	return ids, nil
}

// ActiveSessionIDs lists every session currently ACTIVE, the sweep set
// for the background stall ticker.
func (e *Engine) ActiveSessionIDs() ([]string, error) {
	sessions, err := e.Storage.Sessions.ListActive()
	if err != nil {
		return nil, fmt.Errorf("engine: list active sessions: %w", err)
	}
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	return ids, nil
}
