package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/service"
)

// writeWait bounds a single websocket write so a stalled client cannot hold up the others
const writeWait = 5 * time.Second

// Server is the HTTP remote control for DuoCapture
type Server struct {
	service    service.Service
	port       string
	httpServer *http.Server

	upgrader        websocket.Upgrader
	wsConnections   map[*websocket.Conn]bool
	wsConnectionsMu sync.Mutex

	// pending holds only the newest unsent state; wake signals the broadcaster
	pendingMu   sync.Mutex
	pending     *capture.State
	wake        chan struct{}
	stopObserve func()
	done        chan struct{}
	closeOnce   sync.Once
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RecordResponse is returned when a recording starts
type RecordResponse struct {
	Success   bool                    `json:"success"`
	Recording capture.RecordingHandle `json:"recording"`
}

// SequenceResponse is returned when a sequence starts
type SequenceResponse struct {
	Success    bool   `json:"success"`
	SequenceID string `json:"sequence_id"`
	Front      string `json:"front"`
	Gap        string `json:"gap"`
	Back       string `json:"back"`
}

// New creates a server for svc and subscribes to its state changes
func New(svc service.Service, port string) *Server {
	s := &Server{
		service: svc,
		port:    port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsConnections: make(map[*websocket.Conn]bool),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: s.Handler(),
	}
	go s.broadcastLoop()
	s.stopObserve = svc.Observe(s.enqueueState)
	return s
}

// Handler returns the routes of the remote control
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/switch", s.handleSwitch)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/sequence", s.handleSequence)
	mux.HandleFunc("/sequence/cancel", s.handleCancelSequence)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	localIP := getLocalIP()
	slog.Info("Starting DuoCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the websocket broadcaster
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close detaches from the service and drops websocket clients
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.stopObserve()
		close(s.done)

		s.wsConnectionsMu.Lock()
		for conn := range s.wsConnections {
			conn.Close()
			delete(s.wsConnections, conn)
		}
		s.wsConnectionsMu.Unlock()
	})
}

// handleIndex serves a minimal control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

// handleSwitch rebinds the session to another camera
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	pos, err := capture.ParsePosition(r.FormValue("position"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "switch")
		return
	}
	if err := s.service.SwitchCamera(pos); err != nil && !errors.Is(err, capture.ErrConfigurationLockFailed) {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to switch camera: %v", err),
			"operation", "switch", "position", pos)
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Switched to %s camera", pos)})
}

// handleRecord starts a recording, optionally switching camera first
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if p := r.FormValue("position"); p != "" {
		pos, err := capture.ParsePosition(p)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "record")
			return
		}
		if err := s.service.SwitchCamera(pos); err != nil && !errors.Is(err, capture.ErrConfigurationLockFailed) {
			s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to switch camera: %v", err),
				"operation", "record", "position", pos)
			return
		}
	}

	handle, err := s.service.StartRecording()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "record")
		return
	}
	s.sendJSON(w, http.StatusOK, RecordResponse{Success: true, Recording: handle})
}

// handleStop finalizes the current recording
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err), "operation", "stop")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopping"})
}

// handleSequence starts the front-then-back routine; unset durations use the configuration
func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	defaults := s.service.GetConfig().Sequence
	var (
		durations [3]time.Duration
		err       error
	)
	for i, p := range []struct {
		name     string
		fallback time.Duration
	}{
		{"front", defaults.Front},
		{"gap", defaults.Gap},
		{"back", defaults.Back},
	} {
		if durations[i], err = durationParam(r, p.name, p.fallback); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "sequence")
			return
		}
	}
	front, gap, back := durations[0], durations[1], durations[2]

	h, err := s.service.RecordFrontThenBack(front, gap, back)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start sequence: %v", err), "operation", "sequence")
		return
	}
	s.sendJSON(w, http.StatusOK, SequenceResponse{
		Success:    true,
		SequenceID: h.ID(),
		Front:      front.String(),
		Gap:        gap.String(),
		Back:       back.String(),
	})
}

// handleCancelSequence cancels the running sequence
func (s *Server) handleCancelSequence(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.service.CancelSequence() {
		s.sendErrorResponse(w, http.StatusConflict, "No sequence is running", "operation", "sequence_cancel")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Sequence cancelling"})
}

// handleStatus returns the current capture state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, http.StatusOK, s.service.Status())
}

// handleDevices returns the configured cameras and their availability
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"cameras": s.service.Cameras(),
	})
}

// handleWebSocket streams every state change to the client as JSON
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading websocket connection", "error", err)
		return
	}
	slog.Debug("Websocket connection established", "remote", r.RemoteAddr)

	s.wsConnectionsMu.Lock()
	select {
	case <-s.done:
		s.wsConnectionsMu.Unlock()
		conn.Close()
		return
	default:
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.service.Status().Capture); err != nil {
		s.wsConnectionsMu.Unlock()
		conn.Close()
		return
	}
	s.wsConnections[conn] = true
	s.wsConnectionsMu.Unlock()

	defer s.dropConnection(conn)

	// Drain client messages until it disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			slog.Debug("Websocket connection closed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

// enqueueState runs on the capture loop and must not block. A newer state replaces
// one the broadcaster has not picked up yet.
func (s *Server) enqueueState(st capture.State) {
	s.pendingMu.Lock()
	s.pending = &st
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeState returns the newest state not yet broadcast
func (s *Server) takeState() (capture.State, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		return capture.State{}, false
	}
	st := *s.pending
	s.pending = nil
	return st, true
}

func (s *Server) broadcastLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			if st, ok := s.takeState(); ok {
				s.broadcast(st)
			}
		}
	}
}

// broadcast writes st to every client. Only the broadcaster writes to registered
// connections, so the writes happen outside wsConnectionsMu.
func (s *Server) broadcast(st capture.State) {
	s.wsConnectionsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConnections))
	for conn := range s.wsConnections {
		conns = append(conns, conn)
	}
	s.wsConnectionsMu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(st); err != nil {
			slog.Debug("Error writing state to websocket", "error", err)
			s.dropConnection(conn)
		}
	}
}

func (s *Server) dropConnection(conn *websocket.Conn) {
	s.wsConnectionsMu.Lock()
	defer s.wsConnectionsMu.Unlock()
	if s.wsConnections[conn] {
		delete(s.wsConnections, conn)
		conn.Close()
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	s.sendJSON(w, http.StatusMethodNotAllowed, GenericResponse{Success: false, Error: "Method not allowed"})
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

// statusFor maps capture errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrCannotSwitchWhileRecording),
		errors.Is(err, capture.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, capture.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func durationParam(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	v := r.FormValue(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, v, err)
	}
	return d, nil
}

func getLocalIP() string {
	// Dialing UDP sends nothing; it only picks the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>DuoCapture</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <main class="container">
        <h1>DuoCapture</h1>
        <p id="state">Connecting...</p>
        <div class="grid">
            <button onclick="post('/switch?position=front')">Front</button>
            <button onclick="post('/switch?position=back')">Back</button>
        </div>
        <div class="grid">
            <button onclick="post('/record')">Record</button>
            <button class="secondary" onclick="post('/stop')">Stop</button>
        </div>
        <div class="grid">
            <button onclick="post('/sequence')">Front then back</button>
            <button class="secondary" onclick="post('/sequence/cancel')">Cancel sequence</button>
        </div>
        <p id="error"></p>
    </main>
    <script>
        function post(url) {
            fetch(url, {method: 'POST'}).then(r => r.json()).then(body => {
                document.getElementById('error').textContent = body.success ? '' : body.error;
            });
        }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = (ev) => {
            const s = JSON.parse(ev.data);
            let text = s.session + (s.input ? ' (' + s.input + ')' : '');
            if (s.is_recording) text += ' - recording';
            if (s.sequence_running) text += ' - sequence';
            document.getElementById('state').textContent = text;
        };
    </script>
</body>
</html>`
