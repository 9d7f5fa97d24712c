package session

import (
	"testing"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/storage"
)

type stubFinalizer struct {
	calledWith string
	calls      int
}

func (f *stubFinalizer) ComputeFinalStatus(sessionID string) error {
	f.calledWith = sessionID
	f.calls++
	return nil
}

func newTestService(t *testing.T) (*Service, *stubFinalizer) {
	t.Helper()
	mgr, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	fin := &stubFinalizer{}
	return New(mgr.Sessions, fin, 0), fin
}

func TestCreateValidatesRequiredFields(t *testing.T) {
	svc, _ := newTestService(t)
	if _, _, err := svc.Create("", "class1", 100, 200, 10, 10, nil); err == nil {
		t.Fatalf("expected error for missing teacherId")
	}
	if _, _, err := svc.Create("t1", "class1", 200, 100, 10, 10, nil); err == nil {
		t.Fatalf("expected error for endAt <= startAt")
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	sess, qr, err := svc.Create("t1", "class1", 100, 1000, 10, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if qr == "" {
		t.Fatalf("expected non-empty qr payload")
	}
	if sess.ExitWindowMinutes != 10 {
		t.Fatalf("expected default exit window 10, got %d", sess.ExitWindowMinutes)
	}
	got, err := svc.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != sess.SessionID {
		t.Fatalf("mismatched session")
	}
}

func TestEndRequiresOwningTeacher(t *testing.T) {
	svc, _ := newTestService(t)
	sess, _, err := svc.Create("t1", "class1", 100, 1000, 10, 10, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.End(sess.SessionID, "someone-else")
	if err == nil {
		t.Fatalf("expected forbidden error")
	}
	if apierr.As(err).Code != apierr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestEndIsTerminalAndFinalizes(t *testing.T) {
	svc, fin := newTestService(t)
	sess, _, err := svc.Create("t1", "class1", 100, 1000, 10, 10, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ended, err := svc.End(sess.SessionID, "t1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != "ENDED" {
		t.Fatalf("expected ENDED, got %s", ended.Status)
	}
	if fin.calledWith != sess.SessionID || fin.calls != 1 {
		t.Fatalf("expected finalizer called exactly once with %s", sess.SessionID)
	}

	if _, err := svc.End(sess.SessionID, "t1"); err == nil {
		t.Fatalf("expected error ending an already-ended session")
	}
}

func TestUpdateLateEntryStatus(t *testing.T) {
	svc, _ := newTestService(t)
	sess, _, err := svc.Create("t1", "class1", 100, 1000, 10, 10, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := svc.UpdateLateEntryStatus(sess.SessionID, true, "tok-1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.LateEntryActive || updated.CurrentLateTokenID != "tok-1" {
		t.Fatalf("expected late entry active with token tok-1, got %+v", updated)
	}
}
