// Package mcptools exposes a subset of Engine operations as MCP tools,
// for teacher-console/dashboard automation, grounded on the teacher's
// internal/mcp package (mark3labs/mcp-go) but calling the Engine
// directly instead of proxying to a remote REST API.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vireclass/attendd/internal/engine"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/obs"
)

// NewServer builds an MCP server exposing getSession, getAttendance,
// listSessionsByTeacher, seedEntry/seedExit, reseedEntry/reseedExit, and
// detectStalled over eng, per SPEC_FULL.md's MCP tool surface.
func NewServer(eng *engine.Engine, log *obs.Logger) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("attendd", "1.0.0", mcpserver.WithToolCapabilities(false))

	s.AddTool(getSessionTool(), getSessionHandler(eng))
	s.AddTool(getAttendanceTool(), getAttendanceHandler(eng))
	s.AddTool(listSessionsByTeacherTool(), listSessionsByTeacherHandler(eng))
	s.AddTool(seedTool("seed_entry", "Seed K entry-phase baton chains for a session"), seedHandler(eng.SeedEntry))
	s.AddTool(seedTool("seed_exit", "Seed K exit-phase baton chains for a session"), seedHandler(eng.SeedExit))
	s.AddTool(seedTool("reseed_entry", "Reseed K entry-phase baton chains for a session"), seedHandler(eng.ReseedEntry))
	s.AddTool(seedTool("reseed_exit", "Reseed K exit-phase baton chains for a session"), seedHandler(eng.ReseedExit))
	s.AddTool(detectStalledTool(), detectStalledHandler(eng))

	log.Info().Int("tools", 8).Msg("mcp tool server initialized")
	return s
}

// NewHTTPHandler wraps an MCP server built by NewServer in mcp-go's
// streamable-HTTP transport, so it can be mounted onto a ServeMux
// alongside the JSON API, matching the teacher's /mcp endpoint.
func NewHTTPHandler(s *mcpserver.MCPServer) http.Handler {
	return mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(true))
}

func errorResult(format string, args ...any) *mcpgo.CallToolResult {
	return &mcpgo.CallToolResult{
		IsError: true,
		Content: []mcpgo.Content{mcpgo.NewTextContent(fmt.Sprintf(format, args...))},
	}
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return errorResult("failed to marshal result: %v", err), nil
	}
	return &mcpgo.CallToolResult{Content: []mcpgo.Content{mcpgo.NewTextContent(string(out))}}, nil
}

func getSessionTool() mcpgo.Tool {
	return mcpgo.NewTool("get_session",
		mcpgo.WithDescription("Fetch a classroom attendance session by id"),
		mcpgo.WithString("sessionId", mcpgo.Required(), mcpgo.Description("session id")),
	)
}

func getSessionHandler(eng *engine.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		sessionID := r.GetString("sessionId", "")
		if sessionID == "" {
			return errorResult("sessionId is required"), nil
		}
		sess, err := eng.Session.Get(sessionID)
		if err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(sess)
	}
}

func getAttendanceTool() mcpgo.Tool {
	return mcpgo.NewTool("get_attendance",
		mcpgo.WithDescription("Fetch every attendance record for a session, or one student's record"),
		mcpgo.WithString("sessionId", mcpgo.Required(), mcpgo.Description("session id")),
		mcpgo.WithString("studentId", mcpgo.Description("optional: a single student's id")),
	)
}

func getAttendanceHandler(eng *engine.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		sessionID := r.GetString("sessionId", "")
		if sessionID == "" {
			return errorResult("sessionId is required"), nil
		}
		if studentID := r.GetString("studentId", ""); studentID != "" {
			rec, err := eng.Attendance.Get(sessionID, studentID)
			if err != nil {
				return errorResult("%v", err), nil
			}
			return jsonResult(rec)
		}
		recs, err := eng.Attendance.GetAll(sessionID)
		if err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(recs)
	}
}

func listSessionsByTeacherTool() mcpgo.Tool {
	return mcpgo.NewTool("list_sessions_by_teacher",
		mcpgo.WithDescription("List every session owned by a teacher"),
		mcpgo.WithString("teacherId", mcpgo.Required(), mcpgo.Description("teacher's principal userId")),
	)
}

func listSessionsByTeacherHandler(eng *engine.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		teacherID := r.GetString("teacherId", "")
		if teacherID == "" {
			return errorResult("teacherId is required"), nil
		}
		sessions, err := eng.Session.ListByTeacher(teacherID)
		if err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(sessions)
	}
}

func seedTool(name, description string) mcpgo.Tool {
	return mcpgo.NewTool(name,
		mcpgo.WithDescription(description),
		mcpgo.WithString("sessionId", mcpgo.Required(), mcpgo.Description("session id")),
		mcpgo.WithString("teacherId", mcpgo.Required(), mcpgo.Description("calling teacher's principal userId")),
		mcpgo.WithNumber("k", mcpgo.Required(), mcpgo.Description("number of chains to seed")),
	)
}

func seedHandler(op func(sessionID, teacherID string, k int) ([]*models.Chain, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		sessionID := r.GetString("sessionId", "")
		teacherID := r.GetString("teacherId", "")
		if sessionID == "" || teacherID == "" {
			return errorResult("sessionId and teacherId are required"), nil
		}
		k := r.GetInt("k", 0)
		chains, err := op(sessionID, teacherID, k)
		if err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(chains)
	}
}

func detectStalledTool() mcpgo.Tool {
	return mcpgo.NewTool("detect_stalled",
		mcpgo.WithDescription("Sweep both chain phases of a session for stalled batons"),
		mcpgo.WithString("sessionId", mcpgo.Required(), mcpgo.Description("session id")),
	)
}

func detectStalledHandler(eng *engine.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		sessionID := r.GetString("sessionId", "")
		if sessionID == "" {
			return errorResult("sessionId is required"), nil
		}
		if err := eng.RunStallDetectionFor(sessionID); err != nil {
			return errorResult("%v", err), nil
		}
		return jsonResult(map[string]bool{"ok": true})
	}
}
