package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ControlServer is the channel between the operator UI and the automation:
// start-with-config, stop, liveness ping, and pushed status notifications
// over a websocket.
type ControlServer struct {
	cfg        *Config
	store      *Store
	browser    *Browser
	recognizer *Recognizer
	hub        *statusHub

	mu   sync.Mutex
	ctrl *Controller
}

func NewControlServer(cfg *Config, store *Store, browser *Browser, recognizer *Recognizer) *ControlServer {
	return &ControlServer{
		cfg:        cfg,
		store:      store,
		browser:    browser,
		recognizer: recognizer,
		hub:        newStatusHub(),
	}
}

// Notifier returns the websocket-backed notifier for controllers started
// outside the HTTP API (CLI mode).
func (s *ControlServer) Notifier() Notifier { return s.hub }

func (s *ControlServer) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/run", s.handleStartRun).Methods("POST")
	api.HandleFunc("/run", s.handleStopRun).Methods("DELETE")
	api.HandleFunc("/run", s.handleStatus).Methods("GET")
	api.HandleFunc("/ping", s.handlePing).Methods("GET")
	api.HandleFunc("/ws", s.handleWebsocket).Methods("GET")

	return r
}

// Start serves the control API until the context ends.
func (s *ControlServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// StartRun persists the settings, enables the run flag and launches a new
// controller. Only one run at a time.
func (s *ControlServer) StartRun(ctx context.Context, settings Settings) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl != nil {
		if status, err := s.store.Status(); err == nil && status.Running {
			return "", fmt.Errorf("a run is already in progress")
		}
	}

	if err := s.store.SaveSettings(settings); err != nil {
		return "", err
	}
	if err := s.store.SetRunEnabled(true); err != nil {
		return "", err
	}

	ctrl := NewController(s.cfg, s.store, s.hub, s.browser, s.recognizer)
	s.ctrl = ctrl

	go func() {
		if err := ctrl.Start(ctx); err != nil {
			debugLog("run %s ended: %v", ctrl.RunID(), err)
		}
	}()

	return ctrl.RunID(), nil
}

// StopRun signals the current controller to stop cooperatively.
func (s *ControlServer) StopRun() {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
		return
	}
	// No live controller; still make sure the flag is down.
	s.store.SetRunEnabled(false)
}

type startRunRequest struct {
	Keyword      string `json:"keyword"`
	Quantity     string `json:"quantity"`
	SessionIndex int    `json:"sessionIndex"`
	ShowID       string `json:"showId"`
}

func (s *ControlServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ShowID == "" {
		writeJSONError(w, http.StatusBadRequest, "showId is required")
		return
	}
	if req.Quantity == "" {
		req.Quantity = "1"
	}
	if req.SessionIndex < 1 {
		req.SessionIndex = 1
	}

	runID, err := s.StartRun(context.Background(), Settings{
		Keyword:      req.Keyword,
		Quantity:     req.Quantity,
		SessionIndex: req.SessionIndex,
		ShowID:       req.ShowID,
	})
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *ControlServer) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.StopRun()

	status, err := s.store.Status()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.Status()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *ControlServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UnixMilli(),
	})
}

var upgrader = websocket.Upgrader{
	// The API binds to loopback; the UI is a local page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *ControlServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.register(conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusHub fans run notifications out to every connected websocket client.
// It implements Notifier.
type statusHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *statusHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Reader loop only to detect close; the control channel is push-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(conn)
				return
			}
		}
	}()
}

func (h *statusHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *statusHub) broadcast(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.unregister(conn)
		}
	}
}

func (h *statusHub) StatusChanged(status RunStatus) {
	h.broadcast(map[string]interface{}{
		"type":         "status-changed",
		"running":      status.Running,
		"errorMessage": status.ErrorMessage,
		"outcome":      status.Outcome,
	})
}

func (h *statusHub) InstanceLifecycle(instanceID, phase string) {
	h.broadcast(map[string]interface{}{
		"type":       "instance-lifecycle",
		"instanceId": instanceID,
		"phase":      phase,
	})
}
