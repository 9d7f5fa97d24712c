// Package scanpipeline is the glue layer exposed as the endpoint for
// every scanning flow (chain, exit chain, late entry, early leave,
// join), per spec.md §4.6. It enforces the fixed step order: auth,
// role, session state, rate limit, location, delegate, audit log.
package scanpipeline

import (
	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/authn"
	"github.com/vireclass/attendd/internal/chainengine"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
	"github.com/vireclass/attendd/internal/session"
	"github.com/vireclass/attendd/internal/token"
	"github.com/vireclass/attendd/internal/validation"
)

// Attendance is the narrow collaborator surface needed from the
// Attendance component for late-entry/early-leave flows.
type Attendance interface {
	MarkEntry(sessionID, studentID string, status models.EntryStatus) (*models.AttendanceRecord, error)
	MarkEarlyLeave(sessionID, studentID string) (*models.AttendanceRecord, error)
}

// ScanRequest carries everything a scan endpoint receives, per
// spec.md §6.
type ScanRequest struct {
	PrincipalEnvelope string
	SessionID         string
	TokenID           string
	DeviceFingerprint string
	IP                string
	UserAgent         string
	GPS               *models.GPS
	BSSID             string
}

// Pipeline wires Auth, Validation, Session, Token/Chain/Attendance into
// the ordered scan flow of spec.md §4.6.
type Pipeline struct {
	resolver    *authn.Resolver
	sessions    *session.Service
	tokens      *token.Service
	chains      *chainengine.Service
	attendance  Attendance
	limiter     *validation.RateLimiter
	audit       *validation.AuditLogger
	log         *obs.Logger
}

// New builds a Pipeline.
func New(resolver *authn.Resolver, sessions *session.Service, tokens *token.Service, chains *chainengine.Service, attendance Attendance, limiter *validation.RateLimiter, audit *validation.AuditLogger, log *obs.Logger) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		sessions:   sessions,
		tokens:     tokens,
		chains:     chains,
		attendance: attendance,
		limiter:    limiter,
		audit:      audit,
		log:        log,
	}
}

// preamble resolves the principal, enforces role and session state, and
// runs anti-cheat checks. Every rejection appends a ScanLog row for flow
// before returning. On success it appends nothing and returns the
// resolved principal and session; the caller writes the final row.
func (p *Pipeline) preamble(req ScanRequest, flow models.Flow, requireRole authn.Role, requireActive bool) (*authn.Principal, *models.Session, error) {
	principal, err := p.resolver.Decode(req.PrincipalEnvelope)
	if err != nil {
		p.logScan(req, flow, "", models.ResultUnauthenticated, "missing or malformed principal envelope")
		return nil, nil, apierr.Unauthorized("missing or malformed principal envelope")
	}

	roles := p.resolver.DeriveRoles(principal.UserDetails)
	if !authn.HasRole(roles, requireRole) {
		p.logScan(req, flow, principal.UserID, models.ResultForbidden, "role mismatch")
		return principal, nil, apierr.Forbidden("caller does not hold the required role")
	}

	sess, err := p.sessions.Get(req.SessionID)
	if err != nil {
		p.logScanErr(req, flow, principal.UserID, models.ResultInternalError, err)
		return principal, nil, err
	}
	if requireActive && sess.Status != models.SessionActive {
		p.logScan(req, flow, principal.UserID, models.ResultSessionEnded, "session has ended")
		return principal, sess, apierr.SessionEnded("session %s has ended", req.SessionID)
	}

	if f := p.limiter.Check(req.DeviceFingerprint, req.IP); f != validation.RateLimitNone {
		p.logScan(req, flow, principal.UserID, models.ResultRateLimited, string(f))
		return principal, sess, apierr.RateLimited("scan rejected: %s", f)
	}

	if err := validation.LocationCheck(sess.Constraints, req.GPS, req.BSSID); err != nil {
		p.logScanErr(req, flow, principal.UserID, models.ResultLocationViolation, err)
		return principal, sess, err
	}

	return principal, sess, nil
}

func (p *Pipeline) logScan(req ScanRequest, flow models.Flow, scannerID string, result models.Result, errMsg string) {
	if err := p.audit.Append(validation.ScanLogInput{
		SessionID:         req.SessionID,
		Flow:              flow,
		TokenID:           req.TokenID,
		ScannerID:         scannerID,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                req.IP,
		BSSID:             req.BSSID,
		GPS:               req.GPS,
		UserAgent:         req.UserAgent,
		Result:            result,
		Error:             errMsg,
	}); err != nil {
		p.log.Warn().Str("error", err.Error()).Str("sessionId", req.SessionID).Msg("append scan log")
	}
}

func (p *Pipeline) logScanErr(req ScanRequest, flow models.Flow, scannerID string, result models.Result, err error) {
	p.logScan(req, flow, scannerID, result, err.Error())
}

// ScanChainResult is returned by ScanChain/ScanExitChain.
type ScanChainResult struct {
	HolderID  string
	NewToken  string
	ChainID   string
	Seq       int64
}

// ScanChain processes an entry-chain scan, per spec.md §4.6/§4.2.
func (p *Pipeline) ScanChain(req ScanRequest) (*ScanChainResult, error) {
	return p.scanBaton(req, models.FlowEntryChain)
}

// ScanExitChain processes an exit-chain scan.
func (p *Pipeline) ScanExitChain(req ScanRequest) (*ScanChainResult, error) {
	return p.scanBaton(req, models.FlowExitChain)
}

func (p *Pipeline) scanBaton(req ScanRequest, flow models.Flow) (*ScanChainResult, error) {
	principal, _, err := p.preamble(req, flow, authn.RoleStudent, true)
	if err != nil {
		return nil, err
	}

	result, err := p.chains.ProcessScan(req.SessionID, req.TokenID, principal.UserID)
	if err != nil {
		p.logScanErr(req, flow, principal.UserID, models.ResultInternalError, err)
		return nil, err
	}
	if result.Consume != token.ConsumeSuccess {
		apiErr := consumeResultToError(result.Consume)
		p.logScanErr(req, flow, principal.UserID, consumeResultToLogResult(result.Consume), apiErr)
		return nil, apiErr
	}

	p.logScan(req, flow, principal.UserID, models.ResultSuccess, "")
	return &ScanChainResult{
		HolderID: result.HolderID,
		NewToken: result.NewToken.TokenID,
		ChainID:  result.ChainID,
		Seq:      result.NewSeq,
	}, nil
}

// ScanLateEntry processes a late-entry rotating-token scan, per
// spec.md §4.6: the pipeline consumes the current rotating token and
// marks the scanning student LATE_ENTRY; rotation is a separate
// teacher-driven operation (§6).
func (p *Pipeline) ScanLateEntry(req ScanRequest) error {
	return p.scanRotating(req, models.FlowLateEntry, func(principal *authn.Principal) error {
		_, err := p.attendance.MarkEntry(req.SessionID, principal.UserID, models.EntryLate)
		return err
	})
}

// ScanEarlyLeave processes an early-leave rotating-token scan.
func (p *Pipeline) ScanEarlyLeave(req ScanRequest) error {
	return p.scanRotating(req, models.FlowEarlyLeave, func(principal *authn.Principal) error {
		_, err := p.attendance.MarkEarlyLeave(req.SessionID, principal.UserID)
		return err
	})
}

func (p *Pipeline) scanRotating(req ScanRequest, flow models.Flow, apply func(*authn.Principal) error) error {
	principal, _, err := p.preamble(req, flow, authn.RoleStudent, true)
	if err != nil {
		return err
	}

	consumeRes, _, err := p.tokens.Consume(req.SessionID, req.TokenID)
	if err != nil {
		p.logScanErr(req, flow, principal.UserID, models.ResultInternalError, err)
		return err
	}
	if consumeRes != token.ConsumeSuccess {
		apiErr := consumeResultToError(consumeRes)
		p.logScanErr(req, flow, principal.UserID, consumeResultToLogResult(consumeRes), apiErr)
		return apiErr
	}

	if err := apply(principal); err != nil {
		p.logScanErr(req, flow, principal.UserID, models.ResultInternalError, err)
		return err
	}

	p.logScan(req, flow, principal.UserID, models.ResultSuccess, "")
	return nil
}

// Join records a student's presence at the start of the session
// (eligibility for ENTRY-phase chain seeding), per spec.md §4.2/§6.
func (p *Pipeline) Join(req ScanRequest) error {
	principal, _, err := p.preamble(req, models.FlowJoin, authn.RoleStudent, true)
	if err != nil {
		return err
	}
	p.logScan(req, models.FlowJoin, principal.UserID, models.ResultSuccess, "")
	return nil
}

func consumeResultToError(res token.ConsumeResult) error {
	switch res {
	case token.ConsumeAlreadyUsed:
		return apierr.TokenAlreadyUsed("token has already been used")
	case token.ConsumeExpired:
		return apierr.ExpiredToken("token has expired")
	case token.ConsumeRevoked:
		return apierr.TokenRevoked("token has been revoked")
	case token.ConsumeNotFound:
		return apierr.NotFound("token not found")
	default:
		return apierr.Internal(nil, "unexpected consume result %q", res)
	}
}

func consumeResultToLogResult(res token.ConsumeResult) models.Result {
	switch res {
	case token.ConsumeAlreadyUsed, token.ConsumeExpired, token.ConsumeRevoked, token.ConsumeNotFound:
		return models.ResultTokenInvalid
	default:
		return models.ResultInternalError
	}
}
