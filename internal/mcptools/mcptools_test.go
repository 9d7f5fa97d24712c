package mcptools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/vireclass/attendd/internal/config"
	"github.com/vireclass/attendd/internal/engine"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Storage.BadgerPath = filepath.Join(t.TempDir(), "badger")
	e, err := engine.New(cfg, obs.NewSilent())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func toolRequest(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestGetSessionToolNotFound(t *testing.T) {
	eng := newTestEngine(t)
	handler := getSessionHandler(eng)

	result, err := handler(context.Background(), toolRequest("get_session", map[string]any{"sessionId": "missing"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected an error result for a missing session")
	}
}

func TestGetSessionToolRequiresSessionID(t *testing.T) {
	eng := newTestEngine(t)
	handler := getSessionHandler(eng)

	result, err := handler(context.Background(), toolRequest("get_session", map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected an error result when sessionId is missing")
	}
}

func TestSeedEntryToolHappyPath(t *testing.T) {
	eng := newTestEngine(t)
	sess, _, err := eng.Session.Create("teacher1", "class1", 100, 100000, 10, 10, nil)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	// Entry seeding draws from students who have joined the session.
	for _, id := range []string{"stu1", "stu2", "stu3", "stu4"} {
		if err := eng.Storage.ScanLogs.Append(&models.ScanLog{SessionID: sess.SessionID, Flow: models.FlowJoin, ScannerID: id, Result: models.ResultSuccess}); err != nil {
			t.Fatalf("record join: %v", err)
		}
	}

	handler := seedHandler(eng.SeedEntry)
	result, err := handler(context.Background(), toolRequest("seed_entry", map[string]any{
		"sessionId": sess.SessionID,
		"teacherId": "teacher1",
		"k":         float64(4),
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result.Content)
	}

	text := result.Content[0].(mcpgo.TextContent).Text
	var chains []*models.Chain
	if err := json.Unmarshal([]byte(text), &chains); err != nil {
		t.Fatalf("unmarshal chains: %v", err)
	}
	if len(chains) != 4 {
		t.Fatalf("expected 4 chains, got %d", len(chains))
	}
}

func TestDetectStalledToolOK(t *testing.T) {
	eng := newTestEngine(t)
	sess, _, err := eng.Session.Create("teacher1", "class1", 100, 100000, 10, 10, nil)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	handler := detectStalledHandler(eng)
	result, err := handler(context.Background(), toolRequest("detect_stalled", map[string]any{"sessionId": sess.SessionID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result.Content)
	}
}

func TestNewServerRegistersEveryTool(t *testing.T) {
	eng := newTestEngine(t)
	s := NewServer(eng, obs.NewSilent())
	if s == nil {
		t.Fatalf("expected a non-nil MCP server")
	}
}
