package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/loggo"
)

var httpLogger = loggo.GetLogger("http")

// deviceLink is the part of the Sensor the control plane drives.
type deviceLink interface {
	StartEnrollment(id int)
	CancelEnrollment()
	DeleteFingerprint(id int)
	Connected() bool
}

// Server is the control-plane HTTP surface of the bridge.
type Server struct {
	mode          *ModeManager
	device        deviceLink
	hub           *Hub
	metrics       *appMetrics
	allowedOrigin string
}

func newServer(mode *ModeManager, device deviceLink, hub *Hub, m *appMetrics, allowedOrigin string) *Server {
	if m == nil {
		m = registerMetrics()
	}
	return &Server{
		mode:          mode,
		device:        device,
		hub:           hub,
		metrics:       m,
		allowedOrigin: allowedOrigin,
	}
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/mode", s.handleMode)
	mux.HandleFunc("/enroll/start", s.post(s.handleEnrollStart))
	mux.HandleFunc("/enroll/cancel", s.post(s.handleEnrollCancel))
	mux.HandleFunc("/scan/start", s.post(s.handleScanStart))
	mux.HandleFunc("/fingerprint/delete", s.post(s.handleDelete))
	mux.HandleFunc("/status/stream", s.handleStream)
	mux.HandleFunc("/status/ws", s.handleWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.cors(logRequests(mux))
}

// originAllowed reports whether a browser at origin may use the bridge.
// An empty or "*" setting allows everyone.
func (s *Server) originAllowed(origin string) bool {
	if s.allowedOrigin == "" || s.allowedOrigin == "*" || origin == "" {
		return true
	}
	return origin == s.allowedOrigin
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpLogger.Infof("%v %v %v %d %v", addr2IP(r.RemoteAddr), r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

// post rejects anything but POST with 405.
func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Message: "Method not allowed"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResponse{Message: msg})
}

// controlResponse is the body of every control-plane reply.
type controlResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	Mode            Mode   `json:"mode"`
	FingerprintID   *int   `json:"fingerprint_id,omitempty"`
	DeviceConnected bool   `json:"device_connected"`
}

func (s *Server) reply(w http.ResponseWriter, msg string, id *int) {
	writeJSON(w, http.StatusOK, controlResponse{
		Success:         true,
		Message:         msg,
		Mode:            s.mode.Mode(),
		FingerprintID:   id,
		DeviceConnected: s.device.Connected(),
	})
}

// fingerprintRequest is the body of enroll and delete calls. The id is a
// pointer so a missing field can be told apart from zero.
type fingerprintRequest struct {
	FingerprintID *int `json:"fingerprint_id"`
}

func decodeFingerprintID(r *http.Request) (int, error) {
	var req fingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, errors.New("invalid JSON body")
	}
	if req.FingerprintID == nil {
		return 0, errors.New("fingerprint_id is required")
	}
	if *req.FingerprintID < 0 {
		return 0, errors.New("fingerprint_id must not be negative")
	}
	return *req.FingerprintID, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status          string `json:"status"`
		Subscribers     int    `json:"subscribers"`
		Mode            Mode   `json:"mode"`
		DeviceConnected bool   `json:"device_connected"`
		UpTime          string `json:"uptime"`
	}{
		Status:          "running",
		Subscribers:     s.hub.Count(),
		Mode:            s.mode.Mode(),
		DeviceConnected: s.device.Connected(),
		UpTime:          s.metrics.Export().UpTime,
	})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.reply(w, "", nil)
	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "Invalid JSON body")
			return
		}
		m, err := ParseMode(req.Mode)
		if err != nil {
			badRequest(w, fmt.Sprintf("Invalid mode %q, must be %v or %v", req.Mode, ModeAttendance, ModeEnrollment))
			return
		}
		if err := s.mode.SetMode(m); err != nil {
			badRequest(w, err.Error())
			return
		}
		s.reply(w, "Mode set to "+string(m), nil)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	id, err := decodeFingerprintID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.mode.EnableEnrollmentMode()
	s.device.StartEnrollment(id)

	msg := fmt.Sprintf("Enrollment started for fingerprint ID %d", id)
	s.hub.Broadcast(newEvent(EventInfo, msg).withFingerprint(id))
	s.reply(w, msg, &id)
}

func (s *Server) handleEnrollCancel(w http.ResponseWriter, r *http.Request) {
	s.device.CancelEnrollment()
	s.mode.EnableAttendanceMode()

	msg := "Enrollment cancelled"
	s.hub.Broadcast(newEvent(EventInfo, msg))
	s.reply(w, msg, nil)
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if !s.mode.IsAttendanceMode() {
		s.mode.EnableAttendanceMode()
	}
	msg := "Ready to scan"
	s.hub.Broadcast(newEvent(EventInfo, msg))
	s.reply(w, msg, nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := decodeFingerprintID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.mode.EnableAttendanceMode()
	s.device.DeleteFingerprint(id)

	msg := fmt.Sprintf("Delete requested for fingerprint ID %d", id)
	s.hub.Broadcast(newEvent(EventInfo, msg).withFingerprint(id))
	s.reply(w, msg, &id)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.metrics.WriteJSON(w)
}

// modeBroadcaster returns a ModeListener announcing every transition.
func modeBroadcaster(b Broadcaster) ModeListener {
	return func(newMode, oldMode Mode) {
		e := newEvent(EventMode, fmt.Sprintf("Mode changed from %v to %v", oldMode, newMode))
		e.Mode = newMode
		b.Broadcast(e)
	}
}
