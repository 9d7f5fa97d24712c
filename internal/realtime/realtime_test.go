package realtime

import "testing"

func TestGroupName(t *testing.T) {
	if got := GroupName("sess1"); got != "session:sess1" {
		t.Errorf("GroupName = %q, want %q", got, "session:sess1")
	}
}

func TestInProcessSink_EmitAndDrain(t *testing.T) {
	s := NewInProcessSink(10)

	EmitAttendanceUpdate(s, "sess1", AttendanceUpdateArg{StudentID: "stu1", EntryStatus: "PRESENT_ENTRY"})
	EmitChainUpdate(s, "sess1", ChainUpdateArg{ChainID: "chain1", Phase: "ENTRY", LastHolder: "stu2", LastSeq: 1, State: "ACTIVE"})

	msgs := s.Drain(GroupName("sess1"))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Target != TargetAttendanceUpdate {
		t.Errorf("expected first message to be attendanceUpdate, got %s", msgs[0].Target)
	}
	if msgs[1].Target != TargetChainUpdate {
		t.Errorf("expected second message to be chainUpdate, got %s", msgs[1].Target)
	}

	if more := s.Drain(GroupName("sess1")); len(more) != 0 {
		t.Errorf("expected drain to clear the backlog, got %d leftover", len(more))
	}
}

func TestInProcessSink_GroupIsolation(t *testing.T) {
	s := NewInProcessSink(10)

	EmitStallAlert(s, "sess1", []string{"chainA"})
	EmitStallAlert(s, "sess2", []string{"chainB"})

	if msgs := s.Drain(GroupName("sess1")); len(msgs) != 1 {
		t.Fatalf("expected 1 message for sess1, got %d", len(msgs))
	}
	if msgs := s.Drain(GroupName("sess2")); len(msgs) != 1 {
		t.Fatalf("expected 1 message for sess2, got %d", len(msgs))
	}
}

func TestInProcessSink_BoundedBacklog(t *testing.T) {
	s := NewInProcessSink(3)

	for i := 0; i < 10; i++ {
		EmitStallAlert(s, "sess1", []string{"chainA"})
	}

	msgs := s.Drain(GroupName("sess1"))
	if len(msgs) != 3 {
		t.Errorf("expected backlog capped at 3, got %d", len(msgs))
	}
}
