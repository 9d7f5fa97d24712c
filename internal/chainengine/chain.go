// Package chainengine implements the baton-passing chain orchestration
// of spec.md §4.2: seeding, baton transfer, stall detection, and reseed.
package chainengine

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
	"github.com/vireclass/attendd/internal/realtime"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/storage/badgerkv"
	"github.com/vireclass/attendd/internal/token"
)

// stallAfter is the age past which an ACTIVE chain is considered
// stalled, per spec.md §4.2/glossary.
const stallAfter = 90 * time.Second

// batonTTLSeconds is the lifetime of a CHAIN/EXIT_CHAIN baton token.
const batonTTLSeconds = 20

// Attendance is the narrow collaborator surface this package needs from
// the Attendance component, kept as an interface so chainengine does not
// import attendance directly.
type Attendance interface {
	MarkEntry(sessionID, studentID string, status models.EntryStatus) (*models.AttendanceRecord, error)
	MarkExitVerified(sessionID, studentID string) (*models.AttendanceRecord, error)
}

// ProcessResult is returned by ProcessScan.
type ProcessResult struct {
	Consume      token.ConsumeResult
	HolderID     string
	ScannerID    string
	NewToken     *models.Token
	ChainID      string
	NewSeq       int64
}

// Service implements the Chain component.
type Service struct {
	chains     *storage.ChainRepo
	tokens     *token.Service
	attendance Attendance
	sink       realtime.Sink
	log        *obs.Logger
	now        func() time.Time
}

// New builds a Service.
func New(chains *storage.ChainRepo, tokens *token.Service, attendance Attendance, sink realtime.Sink, log *obs.Logger) *Service {
	return &Service{chains: chains, tokens: tokens, attendance: attendance, sink: sink, log: log, now: time.Now}
}

func tokenTypeForPhase(phase models.ChainPhase) models.TokenType {
	if phase == models.PhaseExit {
		return models.TokenExitChain
	}
	return models.TokenChain
}

// shuffle performs a Fisher-Yates shuffle over a copy of ids using
// crypto/rand for the anti-cheat-sensitive seed selection (predictable
// seeding would let a student guess who holds the first baton).
func shuffle(ids []string) ([]string, error) {
	out := append([]string(nil), ids...)
	for i := len(out) - 1; i > 0; i-- {
		j, err := randIntn(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func randIntn(n int) (int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("chainengine: generate random index: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	return int(v % uint64(n)), nil
}

// SeedChains seeds K chains for phase from eligibleStudentIDs, per
// spec.md §4.2. Callers supply the eligibility-filtered list (ENTRY:
// every joined student; EXIT: present-and-not-early-left students).
func (s *Service) SeedChains(sessionID string, phase models.ChainPhase, k int, eligibleStudentIDs []string) ([]*models.Chain, error) {
	return s.seedAtIndex(sessionID, phase, k, eligibleStudentIDs, 0)
}

// ReseedChains is identical to SeedChains except the new chains are
// created at (current max index for phase)+1; existing STALLED chains
// are left in place for audit, per spec.md §4.2.
func (s *Service) ReseedChains(sessionID string, phase models.ChainPhase, k int, eligibleStudentIDs []string) ([]*models.Chain, error) {
	existing, err := s.chains.ListBySessionAndPhase(sessionID, phase)
	if err != nil {
		return nil, apierr.StorageError(err, "list chains for reseed")
	}
	nextIndex := 0
	for _, c := range existing {
		if c.Index+1 > nextIndex {
			nextIndex = c.Index + 1
		}
	}
	return s.seedAtIndex(sessionID, phase, k, eligibleStudentIDs, nextIndex)
}

func (s *Service) seedAtIndex(sessionID string, phase models.ChainPhase, k int, eligibleStudentIDs []string, index int) ([]*models.Chain, error) {
	if len(eligibleStudentIDs) < k {
		return nil, apierr.InsufficientStudents("need at least %d eligible students, have %d", k, len(eligibleStudentIDs))
	}
	shuffled, err := shuffle(eligibleStudentIDs)
	if err != nil {
		return nil, apierr.Internal(err, "shuffle eligible students")
	}
	selected := shuffled[:k]

	chains := make([]*models.Chain, 0, k)
	for _, studentID := range selected {
		chainID := uuid.New().String()
		now := s.now().Unix()
		c := &models.Chain{
			SessionID:  sessionID,
			ChainID:    chainID,
			Phase:      phase,
			Index:      index,
			State:      models.ChainActive,
			LastHolder: studentID,
			LastSeq:    0,
			LastAt:     now,
			CreatedAt:  now,
		}
		if _, err := s.chains.Create(c); err != nil {
			return nil, apierr.StorageError(err, "create chain")
		}
		if _, err := s.tokens.Create(sessionID, tokenTypeForPhase(phase), batonTTLSeconds, true, chainID, studentID, 0); err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, nil
}

// ProcessScan consumes the presented baton token and, on success, marks
// attendance, mints the successor baton, updates the chain record, and
// emits a chainUpdate message, per spec.md §4.2.
func (s *Service) ProcessScan(sessionID, tokenID, scannerID string) (*ProcessResult, error) {
	res, consumed, err := s.tokens.Consume(sessionID, tokenID)
	if err != nil {
		return nil, err
	}
	if res != token.ConsumeSuccess {
		return &ProcessResult{Consume: res}, nil
	}
	if consumed.ChainID == "" || consumed.IssuedTo == "" {
		return nil, apierr.InvalidRequest("token is not bound to a chain holder")
	}

	holderID := consumed.IssuedTo
	var attErr error
	if consumed.Type == models.TokenExitChain {
		_, attErr = s.attendance.MarkExitVerified(sessionID, holderID)
	} else {
		_, attErr = s.attendance.MarkEntry(sessionID, holderID, models.EntryPresent)
	}
	if attErr != nil {
		return nil, attErr
	}

	newSeq := consumed.Seq + 1
	newTok, err := s.tokens.Create(sessionID, consumed.Type, batonTTLSeconds, true, consumed.ChainID, scannerID, newSeq)
	if err != nil {
		return nil, err
	}

	chain, ver, err := s.chains.Get(sessionID, consumed.ChainID)
	if errors.Is(err, badgerkv.ErrNotFound) {
		// Token was already consumed; losing the chain bookkeeping here is a
		// soft failure per spec.md §4.2 step 5.
		s.log.Warn().Str("sessionId", sessionID).Str("chainId", consumed.ChainID).Msg("chain record missing during scan processing")
	} else if err != nil {
		s.log.Warn().Str("error", err.Error()).Str("chainId", consumed.ChainID).Msg("read chain during scan processing")
	} else {
		next := *chain
		next.LastHolder = scannerID
		next.LastSeq = newSeq
		next.LastAt = s.now().Unix()
		if _, err := s.chains.ConditionalPut(&next, ver); err != nil {
			s.log.Warn().Str("error", err.Error()).Str("chainId", consumed.ChainID).Msg("update chain during scan processing")
		} else {
			realtime.EmitChainUpdate(s.sink, sessionID, realtime.ChainUpdateArg{
				ChainID:    next.ChainID,
				Phase:      string(next.Phase),
				LastHolder: next.LastHolder,
				LastSeq:    next.LastSeq,
				State:      string(next.State),
			})
		}
	}

	return &ProcessResult{
		Consume:   token.ConsumeSuccess,
		HolderID:  holderID,
		ScannerID: scannerID,
		NewToken:  newTok,
		ChainID:   consumed.ChainID,
		NewSeq:    newSeq,
	}, nil
}

// DetectStalled transitions every ACTIVE chain in session+phase whose
// lastAt is older than 90s to STALLED, per spec.md §4.2. Idempotent:
// chains already STALLED are skipped on subsequent passes. Queues a
// stallAlert message when any chain stalls.
func (s *Service) DetectStalled(sessionID string, phase models.ChainPhase) ([]*models.Chain, error) {
	chains, err := s.chains.ListBySessionAndPhase(sessionID, phase)
	if err != nil {
		return nil, apierr.StorageError(err, "list chains for stall detection")
	}
	now := s.now().Unix()
	var stalled []*models.Chain
	for _, c := range chains {
		if c.State != models.ChainActive {
			continue
		}
		if now-c.LastAt <= int64(stallAfter.Seconds()) {
			continue
		}
		next := *c
		next.State = models.ChainStalled
		if _, err := s.chains.Put(&next); err != nil {
			s.log.Warn().Str("error", err.Error()).Str("chainId", c.ChainID).Msg("mark chain stalled")
			continue
		}
		stalled = append(stalled, &next)
	}
	if len(stalled) > 0 {
		ids := make([]string, len(stalled))
		for i, c := range stalled {
			ids[i] = c.ChainID
		}
		realtime.EmitStallAlert(s.sink, sessionID, ids)
	}
	return stalled, nil
}
