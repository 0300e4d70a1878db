package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestControlServer(t *testing.T) (*ControlServer, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LoginCheck = false
	cfg.StatePath = filepath.Join(t.TempDir(), "state.db")

	store, err := OpenStore(cfg.StatePath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cs := NewControlServer(cfg, store, nil, NewRecognizer(cfg.RecognizerURL, cfg.RecognizerTimeout()))
	srv := httptest.NewServer(cs.Router())
	t.Cleanup(srv.Close)
	return cs, srv
}

func TestControlPing(t *testing.T) {
	_, srv := newTestControlServer(t)

	resp, err := http.Get(srv.URL + "/v1/ping")
	if err != nil {
		t.Fatalf("GET /v1/ping: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "alive" {
		t.Errorf("status = %q, expected alive", body.Status)
	}
	if body.Timestamp == 0 {
		t.Error("timestamp missing")
	}
}

func TestControlStatusFreshStore(t *testing.T) {
	_, srv := newTestControlServer(t)

	resp, err := http.Get(srv.URL + "/v1/run")
	if err != nil {
		t.Fatalf("GET /v1/run: %v", err)
	}
	defer resp.Body.Close()

	var status RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Running || status.ErrorMessage != "" || status.Outcome != "" {
		t.Errorf("fresh status = %+v", status)
	}
}

func TestControlStartRunRequiresShowID(t *testing.T) {
	_, srv := newTestControlServer(t)

	resp, err := http.Post(srv.URL+"/v1/run", "application/json",
		bytes.NewReader([]byte(`{"keyword":"B1"}`)))
	if err != nil {
		t.Fatalf("POST /v1/run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, expected 400", resp.StatusCode)
	}
}

func TestControlStartRunRejectsBadBody(t *testing.T) {
	_, srv := newTestControlServer(t)

	resp, err := http.Post(srv.URL+"/v1/run", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST /v1/run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, expected 400", resp.StatusCode)
	}
}

func TestControlStartRunPersistsSettings(t *testing.T) {
	cs, srv := newTestControlServer(t)

	resp, err := http.Post(srv.URL+"/v1/run", "application/json",
		bytes.NewReader([]byte(`{"showId":"25_example","keyword":"B1","quantity":"2","sessionIndex":3}`)))
	if err != nil {
		t.Fatalf("POST /v1/run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, expected 202", resp.StatusCode)
	}
	var body struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID == "" {
		t.Error("runId missing from accepted response")
	}

	settings, err := cs.store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.ShowID != "25_example" || settings.Keyword != "B1" {
		t.Errorf("persisted settings = %+v", settings)
	}
	if settings.Quantity != "2" || settings.SessionIndex != 3 {
		t.Errorf("persisted settings = %+v", settings)
	}

	// The launched controller has no browser attached, so the run fails;
	// the terminal state must land in the store on its own.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := cs.store.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if !status.Running {
			if status.ErrorMessage == "" {
				t.Errorf("terminal failure without a reason: %+v", status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reached a terminal state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlStartRunDefaults(t *testing.T) {
	cs, srv := newTestControlServer(t)

	resp, err := http.Post(srv.URL+"/v1/run", "application/json",
		bytes.NewReader([]byte(`{"showId":"42"}`)))
	if err != nil {
		t.Fatalf("POST /v1/run: %v", err)
	}
	resp.Body.Close()

	settings, err := cs.store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.Quantity != "1" {
		t.Errorf("default quantity = %q", settings.Quantity)
	}
	if settings.SessionIndex != 1 {
		t.Errorf("default session index = %d", settings.SessionIndex)
	}
}

func TestControlStopWithoutRun(t *testing.T) {
	_, srv := newTestControlServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/run", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Running {
		t.Error("still running after stop")
	}
}

func TestStatusHubBroadcast(t *testing.T) {
	cs, srv := newTestControlServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	cs.hub.StatusChanged(RunStatus{Running: false, Outcome: "success"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if msg["type"] != "status-changed" {
		t.Errorf("type = %v", msg["type"])
	}
	if msg["outcome"] != "success" {
		t.Errorf("outcome = %v", msg["outcome"])
	}

	cs.hub.InstanceLifecycle("inst-1", "ready")
	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read lifecycle broadcast: %v", err)
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode lifecycle broadcast: %v", err)
	}
	if msg["type"] != "instance-lifecycle" || msg["instanceId"] != "inst-1" || msg["phase"] != "ready" {
		t.Errorf("lifecycle message = %v", msg)
	}
}
