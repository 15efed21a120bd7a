package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"fhem-bridge/internal/audit"
	"fhem-bridge/internal/auth"
	longpoll "fhem-bridge/internal/longpoll/domain"
	sink "fhem-bridge/internal/sink/domain"
)

type stubSource struct {
	commands [][2]string
	reloads  [][2]string
}

func (s *stubSource) ExecuteCommand(_ context.Context, ref, cmd string) (string, error) {
	if ref != "home" {
		return "", longpoll.ErrUnknownConnection
	}
	s.commands = append(s.commands, [2]string{ref, cmd})
	return "req-1", nil
}

func (s *stubSource) ReloadConnection(_ context.Context, ref, device string) error {
	if ref != "home" {
		return longpoll.ErrUnknownConnection
	}
	s.reloads = append(s.reloads, [2]string{ref, device})
	return nil
}

func (s *stubSource) Stats() []longpoll.Stats {
	return []longpoll.Stats{{BaseURL: "http://fhem:8083/fhem", State: "streaming", Connected: true}}
}

type stubSync struct {
	state sink.SyncState
}

func (s *stubSync) SyncState(context.Context) (sink.SyncState, error) { return s.state, nil }

func (s *stubSync) SetSyncState(_ context.Context, active, connected bool) error {
	s.state = sink.SyncState{Active: active, Connected: connected}
	return nil
}

type recordingAudit struct {
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func newTestRouter(t *testing.T) (*mux.Router, *stubSource, *stubSync, *recordingAudit) {
	t.Helper()
	source := &stubSource{}
	sync := &stubSync{}
	auditLog := &recordingAudit{}
	handler, err := NewHandler(source, sync, auditLog, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	router := mux.NewRouter()
	handler.Register(router.PathPrefix("/api/v1").Subrouter())
	return router, source, sync, auditLog
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestCommandAccepted(t *testing.T) {
	router, source, _, auditLog := newTestRouter(t)
	resp := serve(router, http.MethodPost, "/api/v1/commands", `{"connection":"home","cmd":"set Lamp1 on"}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	var body CommandResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RequestID != "req-1" {
		t.Fatalf("unexpected request id %q", body.RequestID)
	}
	if len(source.commands) != 1 || source.commands[0][1] != "set Lamp1 on" {
		t.Fatalf("unexpected commands %v", source.commands)
	}
	if len(auditLog.entries) != 1 || auditLog.entries[0].Action != "command.execute" || auditLog.entries[0].ResourceID != "home" {
		t.Fatalf("unexpected audit %+v", auditLog.entries)
	}
}

func TestCommandErrors(t *testing.T) {
	router, _, _, auditLog := newTestRouter(t)
	cases := []struct {
		body string
		code int
	}{
		{body: `not json`, code: http.StatusBadRequest},
		{body: `{"connection":"home"}`, code: http.StatusBadRequest},
		{body: `{"connection":"elsewhere","cmd":"x"}`, code: http.StatusNotFound},
	}
	for _, tc := range cases {
		if resp := serve(router, http.MethodPost, "/api/v1/commands", tc.body); resp.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.code, resp.Code)
		}
	}
	if len(auditLog.entries) != 0 {
		t.Fatalf("rejected commands must not be audited")
	}
	if resp := serve(router, http.MethodGet, "/api/v1/commands", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestReload(t *testing.T) {
	router, source, _, _ := newTestRouter(t)
	resp := serve(router, http.MethodPost, "/api/v1/connections/reload", `{"connection":"home","device":"Lamp1"}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if source.reloads[0] != [2]string{"home", "Lamp1"} {
		t.Fatalf("unexpected reload %v", source.reloads)
	}
	if resp := serve(router, http.MethodPost, "/api/v1/connections/reload", `{"connection":"x"}`); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestConnections(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	resp := serve(router, http.MethodGet, "/api/v1/connections", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stats []longpoll.Stats
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].State != "streaming" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSyncState(t *testing.T) {
	router, _, sync, auditLog := newTestRouter(t)
	if resp := serve(router, http.MethodPut, "/api/v1/sync", `{"active":true,"connected":true}`); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if !sync.state.Ready() {
		t.Fatalf("expected ready state")
	}
	resp := serve(router, http.MethodGet, "/api/v1/sync", "")
	if !strings.Contains(resp.Body.String(), `"ready":true`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if auditLog.entries[0].Action != "sync.update" {
		t.Fatalf("expected sync audit, got %+v", auditLog.entries)
	}
}

func TestAuditCarriesIdentity(t *testing.T) {
	source := &stubSource{}
	auditLog := &recordingAudit{}
	handler, err := NewHandler(source, nil, auditLog, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	router := mux.NewRouter()
	handler.Register(router.PathPrefix("/api/v1").Subrouter())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/reload", strings.NewReader(`{"connection":"home"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "user-7"))
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	entry := auditLog.entries[0]
	if entry.Actor != "user-7" || entry.Role != "operator" || entry.IP != "10.1.2.3" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}

	if resp := serve(router, http.MethodGet, "/api/v1/sync", ""); resp.Code == http.StatusOK {
		t.Fatalf("sync routes must not be mounted without a controller")
	}
}
