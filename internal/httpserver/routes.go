package httpserver

import "net/http"

// setupRoutes configures every route named in spec.md §6's API surface,
// using the routing-pattern ServeMux (method + path + {wildcard}).
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	h := s.handlers

	mux.HandleFunc("GET /api/health", h.Health)

	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
	}

	mux.HandleFunc("POST /api/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/sessions", h.ListSessionsByTeacher)
	mux.HandleFunc("GET /api/sessions/{sessionId}", withSessionID(h.GetSession))
	mux.HandleFunc("POST /api/sessions/{sessionId}/end", withSessionID(h.EndSession))

	mux.HandleFunc("POST /api/sessions/{sessionId}/late-entry/start", withSessionID(h.StartLateEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/late-entry/stop", withSessionID(h.StopLateEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/late-entry/rotate", withSessionID(h.RotateLateEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/early-leave/start", withSessionID(h.StartEarlyLeave))
	mux.HandleFunc("POST /api/sessions/{sessionId}/early-leave/stop", withSessionID(h.StopEarlyLeave))
	mux.HandleFunc("POST /api/sessions/{sessionId}/early-leave/rotate", withSessionID(h.RotateEarlyLeave))

	mux.HandleFunc("POST /api/sessions/{sessionId}/chains/entry/seed", withSessionID(h.SeedEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/chains/exit/seed", withSessionID(h.SeedExit))
	mux.HandleFunc("POST /api/sessions/{sessionId}/chains/entry/reseed", withSessionID(h.ReseedEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/chains/exit/reseed", withSessionID(h.ReseedExit))

	mux.HandleFunc("POST /api/sessions/{sessionId}/scan/join", withSessionID(h.Join))
	mux.HandleFunc("POST /api/sessions/{sessionId}/scan/chain", withSessionID(h.ScanChain))
	mux.HandleFunc("POST /api/sessions/{sessionId}/scan/exit-chain", withSessionID(h.ScanExitChain))
	mux.HandleFunc("POST /api/sessions/{sessionId}/scan/late-entry", withSessionID(h.ScanLateEntry))
	mux.HandleFunc("POST /api/sessions/{sessionId}/scan/early-leave", withSessionID(h.ScanEarlyLeave))

	mux.HandleFunc("GET /api/sessions/{sessionId}/attendance", withSessionID(h.GetAttendance))

	mux.HandleFunc("GET /api/sessions/{sessionId}/realtime/negotiate", withSessionID(h.Negotiate))
	mux.HandleFunc("GET /api/sessions/{sessionId}/realtime/drain", withSessionID(h.Drain))

	mux.HandleFunc("/api/", s.handleNotFound)

	return mux
}

// withSessionID adapts a handler taking a sessionId path parameter to a
// plain http.HandlerFunc, reading the value the routing pattern bound.
func withSessionID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, r.PathValue("sessionId"))
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"code":"NOT_FOUND","message":"the requested endpoint does not exist"}`))
}
