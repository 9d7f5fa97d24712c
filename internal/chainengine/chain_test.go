package chainengine

import (
	"testing"
	"time"

	"github.com/vireclass/attendd/internal/attendance"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
	"github.com/vireclass/attendd/internal/realtime"
	"github.com/vireclass/attendd/internal/storage"
	"github.com/vireclass/attendd/internal/token"
)

type harness struct {
	chain *Service
	att   *attendance.Service
	mgr   *storage.Manager
	sink  *realtime.InProcessSink
	now   *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	sink := realtime.NewInProcessSink(100)
	log := obs.NewSilent()
	att := attendance.New(mgr.Attendance, sink, log)
	toks := token.New(mgr.Tokens, 0)
	chain := New(mgr.Chains, toks, att, sink, log)

	now := time.Unix(1_700_000_000, 0)
	chain.now = func() time.Time { return now }
	toks.WithClock(func() time.Time { return now })

	return &harness{chain: chain, att: att, mgr: mgr, sink: sink, now: &now}
}

func TestSeedChainsRequiresEnoughStudents(t *testing.T) {
	h := newHarness(t)
	_, err := h.chain.SeedChains("s1", models.PhaseEntry, 3, []string{"a", "b"})
	if err == nil {
		t.Fatalf("expected INSUFFICIENT_STUDENTS error")
	}
}

func TestSeedChainsCreatesChainsAndBatons(t *testing.T) {
	h := newHarness(t)
	chains, err := h.chain.SeedChains("s1", models.PhaseEntry, 2, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(chains))
	}
	for _, c := range chains {
		if c.State != models.ChainActive || c.Index != 0 || c.LastSeq != 0 {
			t.Fatalf("unexpected chain state: %+v", c)
		}
	}
}

func TestProcessScanHappyPath(t *testing.T) {
	h := newHarness(t)
	chains, err := h.chain.SeedChains("s1", models.PhaseEntry, 1, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := chains[0]

	// Find the baton token issued to the seeded holder by scanning storage.
	rows, err := h.mgr.Tokens.ListBySession("s1")
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	var batonID string
	for _, tok := range rows {
		if tok.ChainID == c.ChainID {
			batonID = tok.TokenID
		}
	}
	if batonID == "" {
		t.Fatalf("could not find seeded baton token")
	}

	result, err := h.chain.ProcessScan("s1", batonID, "bob")
	if err != nil {
		t.Fatalf("process scan: %v", err)
	}
	if result.HolderID != c.LastHolder {
		t.Fatalf("expected holder %s, got %s", c.LastHolder, result.HolderID)
	}
	if result.NewSeq != 1 {
		t.Fatalf("expected seq 1, got %d", result.NewSeq)
	}

	rec, err := h.att.Get("s1", c.LastHolder)
	if err != nil {
		t.Fatalf("get attendance: %v", err)
	}
	if rec.EntryStatus != models.EntryPresent {
		t.Fatalf("expected holder marked PRESENT_ENTRY, got %v", rec.EntryStatus)
	}

	updated, _, err := h.mgr.Chains.Get("s1", c.ChainID)
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	if updated.LastHolder != "bob" || updated.LastSeq != 1 {
		t.Fatalf("chain not updated correctly: %+v", updated)
	}
}

func TestDetectStalledIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.chain.SeedChains("s1", models.PhaseEntry, 1, []string{"alice"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	*h.now = h.now.Add(91 * time.Second)

	stalled, err := h.chain.DetectStalled("s1", models.PhaseEntry)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(stalled) != 1 {
		t.Fatalf("expected 1 stalled chain, got %d", len(stalled))
	}

	again, err := h.chain.DetectStalled("s1", models.PhaseEntry)
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected idempotent second pass, got %d", len(again))
	}
}

func TestReseedUsesNextIndex(t *testing.T) {
	h := newHarness(t)
	if _, err := h.chain.SeedChains("s1", models.PhaseEntry, 1, []string{"alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reseeded, err := h.chain.ReseedChains("s1", models.PhaseEntry, 1, []string{"alice"})
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if reseeded[0].Index != 1 {
		t.Fatalf("expected reseed index 1, got %d", reseeded[0].Index)
	}
}
