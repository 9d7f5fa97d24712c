// Package token implements the mint/validate/consume/revoke lifecycle of
// spec.md §4.1. It knows nothing about chains, sessions, or attendance —
// only the token record and its CAS-guarded state transitions.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/cache"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
)

// ValidateResult is the outcome of Validate.
type ValidateResult string

const (
	ValidateValid    ValidateResult = "VALID"
	ValidateExpired  ValidateResult = "EXPIRED"
	ValidateUsed     ValidateResult = "USED"
	ValidateRevoked  ValidateResult = "REVOKED"
	ValidateNotFound ValidateResult = "NOT_FOUND"
)

// ConsumeResult is the outcome of Consume.
type ConsumeResult string

const (
	ConsumeSuccess     ConsumeResult = "SUCCESS"
	ConsumeAlreadyUsed ConsumeResult = "ALREADY_USED"
	ConsumeExpired     ConsumeResult = "EXPIRED"
	ConsumeRevoked     ConsumeResult = "REVOKED"
	ConsumeNotFound    ConsumeResult = "NOT_FOUND"
)

// rotatingCacheTTL must stay strictly below the 60s rotation period so a
// stale cached token is never handed out past its teacher-side rotation,
// per spec.md §4.1.
const rotatingCacheTTL = 55 * time.Second

// Service implements the Token component.
type Service struct {
	repo        *storage.TokenRepo
	rotatingTTL *cache.TTLCache[*models.Token]
	now         func() time.Time
}

// New builds a Service over repo. cacheTTL overrides the default 55s
// rotating-token cache window (pass 0 to use the default).
func New(repo *storage.TokenRepo, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = rotatingCacheTTL
	}
	return &Service{
		repo:        repo,
		rotatingTTL: cache.New[*models.Token](cacheTTL, 0),
		now:         time.Now,
	}
}

// WithClock overrides the time source used for exp/now comparisons.
// Exposed for tests in collaborating packages; production callers use
// the default time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func isRotating(t models.TokenType) bool {
	return t == models.TokenLateEntry || t == models.TokenEarlyLeave
}

func cacheKey(sessionID, tokenID string) string {
	return sessionID + "/" + tokenID
}

// genTokenID draws 256 random bits from crypto/rand and encodes them
// URL-safe without padding, per spec.md §4.1.
func genTokenID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("token: generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// Create mints a new token, per spec.md §4.1.
func (s *Service) Create(sessionID string, typ models.TokenType, ttlSeconds int, singleUse bool, chainID, issuedTo string, seq int64) (*models.Token, error) {
	id, err := genTokenID()
	if err != nil {
		return nil, apierr.Internal(err, "generate token id")
	}
	now := s.now().Unix()
	t := &models.Token{
		TokenID:   id,
		SessionID: sessionID,
		Type:      typ,
		ChainID:   chainID,
		IssuedTo:  issuedTo,
		Seq:       seq,
		Exp:       now + int64(ttlSeconds),
		Status:    models.TokenActive,
		SingleUse: singleUse,
		CreatedAt: now,
	}
	if _, err := s.repo.Create(t); err != nil {
		return nil, apierr.StorageError(err, "create token")
	}
	if isRotating(typ) {
		s.rotatingTTL.Set(cacheKey(sessionID, id), t)
	}
	return t, nil
}

// Get reads a token. A not-found token is a normal, non-error result:
// the second return value reports presence.
func (s *Service) Get(sessionID, tokenID string) (*models.Token, bool, error) {
	if cached, ok := s.rotatingTTL.Get(cacheKey(sessionID, tokenID)); ok {
		return cached, true, nil
	}
	t, _, err := s.repo.Get(sessionID, tokenID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.StorageError(err, "read token")
	}
	return t, true, nil
}

// Validate reports the token's current state without mutating it.
// exp <= now is already expired (strictly less-or-equal), per spec.md §4.1.
func (s *Service) Validate(sessionID, tokenID string) (ValidateResult, *models.Token, error) {
	t, found, err := s.Get(sessionID, tokenID)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return ValidateNotFound, nil, nil
	}
	switch {
	case t.Status == models.TokenRevoked:
		return ValidateRevoked, t, nil
	case t.Status == models.TokenUsed:
		return ValidateUsed, t, nil
	case t.Exp <= s.now().Unix():
		return ValidateExpired, t, nil
	default:
		return ValidateValid, t, nil
	}
}

// Consume atomically transitions a token from ACTIVE to USED, per
// spec.md §4.1. The conditional write is never retried: a CAS mismatch
// always means someone else already won the race, reported as
// ALREADY_USED.
func (s *Service) Consume(sessionID, tokenID string) (ConsumeResult, *models.Token, error) {
	t, ver, err := s.repo.Get(sessionID, tokenID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return ConsumeNotFound, nil, nil
	}
	if err != nil {
		return "", nil, apierr.StorageError(err, "read token")
	}
	switch {
	case t.Status == models.TokenRevoked:
		return ConsumeRevoked, t, nil
	case t.Status == models.TokenUsed:
		return ConsumeAlreadyUsed, t, nil
	case t.Exp <= s.now().Unix():
		return ConsumeExpired, t, nil
	}

	next := *t
	next.Status = models.TokenUsed
	next.UsedAt = s.now().Unix()
	if _, err := s.repo.ConditionalPut(&next, ver); err != nil {
		if errors.Is(err, badgerkv.ErrConflict) {
			return ConsumeAlreadyUsed, t, nil
		}
		return "", nil, apierr.StorageError(err, "consume token")
	}
	if isRotating(t.Type) {
		s.rotatingTTL.Invalidate(cacheKey(sessionID, tokenID))
	}
	return ConsumeSuccess, &next, nil
}

// Revoke is idempotent: a missing token is treated as success. A live or
// already-used token transitions to REVOKED unconditionally, per
// spec.md §4.1.
func (s *Service) Revoke(sessionID, tokenID string) error {
	t, _, err := s.repo.Get(sessionID, tokenID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apierr.StorageError(err, "read token")
	}
	t.Status = models.TokenRevoked
	if _, err := s.repo.Put(t); err != nil {
		return apierr.StorageError(err, "revoke token")
	}
	if isRotating(t.Type) {
		s.rotatingTTL.Invalidate(cacheKey(sessionID, tokenID))
	}
	return nil
}
