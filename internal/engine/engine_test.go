package engine

import (
	"path/filepath"
	"testing"

	"github.com/vireclass/attendd/internal/config"
	"github.com/vireclass/attendd/internal/obs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Storage.BadgerPath = filepath.Join(t.TempDir(), "badger")
	e, err := New(cfg, obs.NewSilent())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineWiresEveryComponent(t *testing.T) {
	e := newTestEngine(t)
	if e.Auth == nil || e.Token == nil || e.Chain == nil || e.Session == nil ||
		e.Attendance == nil || e.Validation == nil || e.Audit == nil ||
		e.Realtime == nil || e.Pipeline == nil {
		t.Fatalf("expected every component wired, got %+v", e)
	}
}

func TestActiveSessionIDsReflectsLifecycle(t *testing.T) {
	e := newTestEngine(t)
	sess, _, err := e.Session.Create("teacher@vtc.edu.hk", "class1", 100, 100000, 10, 10, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ids, err := e.ActiveSessionIDs()
	if err != nil {
		t.Fatalf("active session ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != sess.SessionID {
		t.Fatalf("expected [%s], got %v", sess.SessionID, ids)
	}

	if _, err := e.Session.End(sess.SessionID, "teacher@vtc.edu.hk"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	ids, err = e.ActiveSessionIDs()
	if err != nil {
		t.Fatalf("active session ids after end: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no active sessions after end, got %v", ids)
	}
}
