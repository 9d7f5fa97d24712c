package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/authn"
	"github.com/vireclass/attendd/internal/engine"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/realtime"
	"github.com/vireclass/attendd/internal/scanpipeline"
)

// Handlers adapts every Engine operation to an HTTP JSON handler, one
// method per flow named in spec.md §6's "API surface (flows, not URL
// shapes)" list.
type Handlers struct {
	engine *engine.Engine
}

// New builds a Handlers over eng.
func New(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.InvalidRequest("malformed request body: %v", err)
	}
	return nil
}

func principalEnvelope(r *http.Request) string {
	return r.Header.Get("X-Principal")
}

// decodeCaller resolves the calling principal's userId from the request's
// principal envelope header, the same header scan flows and teacher
// controls both read, per spec.md §6's authentication surface.
func (h *Handlers) decodeCaller(r *http.Request) (*authn.Principal, error) {
	p, err := h.engine.Auth.Decode(principalEnvelope(r))
	if err != nil {
		return nil, apierr.Unauthorized("missing or malformed principal envelope")
	}
	return p, nil
}

// --- Session ---

type createSessionRequest struct {
	ClassID           string             `json:"classId"`
	StartAt           int64              `json:"startAt"`
	EndAt             int64              `json:"endAt"`
	LateCutoffMinutes int                `json:"lateCutoffMinutes"`
	ExitWindowMinutes int                `json:"exitWindowMinutes"`
	Constraints       *models.Constraints `json:"constraints,omitempty"`
}

type createSessionResponse struct {
	Session   *models.Session `json:"session"`
	SessionQR string          `json:"sessionQr"`
}

// CreateSession handles Session: create.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	sess, qr, err := h.engine.Session.Create(caller.UserID, req.ClassID, req.StartAt, req.EndAt, req.LateCutoffMinutes, req.ExitWindowMinutes, req.Constraints)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createSessionResponse{Session: sess, SessionQR: qr})
}

// GetSession handles Session: get (also Dashboard: getSession).
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := h.engine.Session.Get(sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// EndSession handles Session: end.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	sess, err := h.engine.Session.End(sessionID, caller.UserID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// ListSessionsByTeacher handles Session: list-by-teacher.
func (h *Handlers) ListSessionsByTeacher(w http.ResponseWriter, r *http.Request) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	sessions, err := h.engine.Session.ListByTeacher(caller.UserID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

// --- Rotating QR controls ---

type rotatingTokenResponse struct {
	TokenID string `json:"tokenId"`
}

// StartLateEntry handles the teacher startLateEntry control.
func (h *Handlers) StartLateEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.startRotating(w, r, sessionID, h.engine.StartLateEntry)
}

// StopLateEntry handles the teacher stopLateEntry control.
func (h *Handlers) StopLateEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.stopRotating(w, r, sessionID, h.engine.StopLateEntry)
}

// RotateLateEntry handles the teacher rotateLate control.
func (h *Handlers) RotateLateEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.rotateRotating(w, r, sessionID, h.engine.RotateLateEntry)
}

// StartEarlyLeave handles the teacher startEarlyLeave control.
func (h *Handlers) StartEarlyLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.startRotating(w, r, sessionID, h.engine.StartEarlyLeave)
}

// StopEarlyLeave handles the teacher stopEarlyLeave control.
func (h *Handlers) StopEarlyLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.stopRotating(w, r, sessionID, h.engine.StopEarlyLeave)
}

// RotateEarlyLeave handles the teacher rotateEarly control.
func (h *Handlers) RotateEarlyLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.rotateRotating(w, r, sessionID, h.engine.RotateEarlyLeave)
}

func (h *Handlers) startRotating(w http.ResponseWriter, r *http.Request, sessionID string, start func(sessionID, teacherID string) (string, error)) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	tokenID, err := start(sessionID, caller.UserID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rotatingTokenResponse{TokenID: tokenID})
}

type rotatingControlRequest struct {
	CurrentTokenID string `json:"currentTokenId"`
}

func (h *Handlers) stopRotating(w http.ResponseWriter, r *http.Request, sessionID string, stop func(sessionID, teacherID, currentTokenID string) error) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req rotatingControlRequest
	_ = decodeBody(r, &req) // currentTokenId is optional; empty means nothing to revoke
	if err := stop(sessionID, caller.UserID, req.CurrentTokenID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) rotateRotating(w http.ResponseWriter, r *http.Request, sessionID string, rotate func(sessionID, teacherID, currentTokenID string) (string, error)) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req rotatingControlRequest
	_ = decodeBody(r, &req)
	tokenID, err := rotate(sessionID, caller.UserID, req.CurrentTokenID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rotatingTokenResponse{TokenID: tokenID})
}

// --- Chain controls ---

type chainControlRequest struct {
	K int `json:"k"`
}

// SeedEntry handles the teacher seedEntry control.
func (h *Handlers) SeedEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.chainControl(w, r, sessionID, h.engine.SeedEntry)
}

// SeedExit handles the teacher seedExit control.
func (h *Handlers) SeedExit(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.chainControl(w, r, sessionID, h.engine.SeedExit)
}

// ReseedEntry handles the teacher reseedEntry control.
func (h *Handlers) ReseedEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.chainControl(w, r, sessionID, h.engine.ReseedEntry)
}

// ReseedExit handles the teacher reseedExit control.
func (h *Handlers) ReseedExit(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.chainControl(w, r, sessionID, h.engine.ReseedExit)
}

func (h *Handlers) chainControl(w http.ResponseWriter, r *http.Request, sessionID string, op func(sessionID, teacherID string, k int) ([]*models.Chain, error)) {
	caller, err := h.decodeCaller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req chainControlRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	chains, err := op(sessionID, caller.UserID, req.K)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, chains)
}

// --- Scan flows ---

type scanRequestBody struct {
	TokenID           string     `json:"tokenId"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	GPS               *models.GPS `json:"gps,omitempty"`
	BSSID             string     `json:"bssid,omitempty"`
}

func (h *Handlers) toScanRequest(r *http.Request, sessionID string, body scanRequestBody) scanpipeline.ScanRequest {
	return scanpipeline.ScanRequest{
		PrincipalEnvelope: principalEnvelope(r),
		SessionID:         sessionID,
		TokenID:           body.TokenID,
		DeviceFingerprint: body.DeviceFingerprint,
		IP:                clientIP(r),
		UserAgent:         r.UserAgent(),
		GPS:               body.GPS,
		BSSID:             body.BSSID,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// Join handles the student join flow.
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body scanRequestBody
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.engine.Pipeline.Join(h.toScanRequest(r, sessionID, body)); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ScanChain handles the student scanChain flow.
func (h *Handlers) ScanChain(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body scanRequestBody
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	res, err := h.engine.Pipeline.ScanChain(h.toScanRequest(r, sessionID, body))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// ScanExitChain handles the student scanExitChain flow.
func (h *Handlers) ScanExitChain(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body scanRequestBody
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	res, err := h.engine.Pipeline.ScanExitChain(h.toScanRequest(r, sessionID, body))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// ScanLateEntry handles the student scanLateEntry flow.
func (h *Handlers) ScanLateEntry(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body scanRequestBody
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.engine.Pipeline.ScanLateEntry(h.toScanRequest(r, sessionID, body)); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ScanEarlyLeave handles the student scanEarlyLeave flow.
func (h *Handlers) ScanEarlyLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body scanRequestBody
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.engine.Pipeline.ScanEarlyLeave(h.toScanRequest(r, sessionID, body)); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Dashboard ---

// GetAttendance handles Dashboard: getAttendance.
func (h *Handlers) GetAttendance(w http.ResponseWriter, r *http.Request, sessionID string) {
	studentID := r.URL.Query().Get("studentId")
	if studentID != "" {
		rec, err := h.engine.Attendance.Get(sessionID, studentID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
		return
	}
	recs, err := h.engine.Attendance.GetAll(sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, recs)
}

// --- Realtime ---

type negotiateResponse struct {
	GroupName string `json:"groupName"`
}

// Negotiate handles Realtime: negotiate, returning the channel descriptor
// (a group name) the caller then polls via Drain.
func (h *Handlers) Negotiate(w http.ResponseWriter, r *http.Request, sessionID string) {
	WriteJSON(w, http.StatusOK, negotiateResponse{GroupName: realtime.GroupName(sessionID)})
}

// Drain returns and clears every buffered realtime message for a session's
// group, the transport-level poll loop spec.md §4.7 expects of whatever
// sits behind the channel descriptor negotiate handed out.
func (h *Handlers) Drain(w http.ResponseWriter, r *http.Request, sessionID string) {
	msgs := h.engine.Realtime.Drain(realtime.GroupName(sessionID))
	WriteJSON(w, http.StatusOK, msgs)
}

// --- Health ---

// Health reports liveness, grounded on the teacher's /api/health handler.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
