package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/intercomd/intercomd/internal/orchestrator"
	"github.com/intercomd/intercomd/internal/session"
)

// fakeCalls is an in-memory CallService.
type fakeCalls struct {
	calls    map[string]*session.CallRecord
	outgoing map[string]*session.OutgoingRecord
	ended    []string
	mintErr  error
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		calls:    make(map[string]*session.CallRecord),
		outgoing: make(map[string]*session.OutgoingRecord),
	}
}

func (f *fakeCalls) Credentials(_ context.Context, token string) (*session.CallRecord, error) {
	c, ok := f.calls[token]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	return c, nil
}

func (f *fakeCalls) EndCall(_ context.Context, token string) error {
	if _, ok := f.calls[token]; !ok {
		return orchestrator.ErrNotFound
	}
	delete(f.calls, token)
	f.ended = append(f.ended, token)
	return nil
}

func (f *fakeCalls) OutgoingCredentials(_ context.Context) (string, *session.OutgoingRecord, error) {
	if f.mintErr != nil {
		return "", nil, f.mintErr
	}
	rec := &session.OutgoingRecord{
		EndpointID: "out_abc",
		Credentials: session.Credentials{
			Username: "out_abc",
			Password: "pw",
			Domain:   "sip.example.org",
			ServerIP: "203.0.113.10",
		},
	}
	f.outgoing["OT1"] = rec
	return "OT1", rec, nil
}

func (f *fakeCalls) OutgoingCleanup(_ context.Context, token string) error {
	if _, ok := f.outgoing[token]; !ok {
		return orchestrator.ErrNotFound
	}
	delete(f.outgoing, token)
	return nil
}

// fakeRegistry records push registrations.
type fakeRegistry struct {
	users  []string
	tokens []string // "user|token|platform|device"
	err    error
}

func (f *fakeRegistry) EnsureUser(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, id)
	return nil
}

func (f *fakeRegistry) SavePushToken(_ context.Context, userID, token, platform, deviceID string) error {
	if f.err != nil {
		return f.err
	}
	f.tokens = append(f.tokens, userID+"|"+token+"|"+platform+"|"+deviceID)
	return nil
}

func testServer() (*Server, *fakeCalls, *fakeRegistry) {
	calls := newFakeCalls()
	registry := &fakeRegistry{}
	return NewServer(calls, registry, "intercomd", "https://intercom.example.org", nil), calls, registry
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (map[string]any, string) {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return env.Data, env.Error
}

func TestHealthEchoesServiceAndBaseURL(t *testing.T) {
	srv, _, _ := testServer()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	data, _ := decodeEnvelope(t, rec)
	if data["ok"] != true || data["service"] != "intercomd" {
		t.Errorf("health payload = %v", data)
	}
	cfg, ok := data["config"].(map[string]any)
	if !ok || cfg["baseUrl"] != "https://intercom.example.org" {
		t.Errorf("config echo = %v", data["config"])
	}
}

func TestPushRegister(t *testing.T) {
	srv, _, registry := testServer()

	body := `{"userId":"resident","pushToken":"ExponentPushToken[x]","platform":"expo","deviceId":"pixel-7"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push/register", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(registry.users) != 1 || registry.users[0] != "resident" {
		t.Errorf("users = %v", registry.users)
	}
	want := "resident|ExponentPushToken[x]|expo|pixel-7"
	if len(registry.tokens) != 1 || registry.tokens[0] != want {
		t.Errorf("tokens = %v, want [%s]", registry.tokens, want)
	}
}

func TestPushRegisterMissingFields(t *testing.T) {
	srv, _, registry := testServer()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push/register",
		strings.NewReader(`{"userId":"resident"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(registry.tokens) != 0 {
		t.Error("token stored despite invalid request")
	}
}

func TestCallCredentials(t *testing.T) {
	srv, calls, _ := testServer()
	calls.calls["T1"] = &session.CallRecord{
		CallID: "c0ffee",
		Credentials: session.Credentials{
			Username: "tmp_c0ffee",
			Password: "pw",
			Domain:   "sip.example.org",
			ServerIP: "203.0.113.10",
		},
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/credentials?callToken=T1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	data, _ := decodeEnvelope(t, rec)
	if data["callId"] != "c0ffee" {
		t.Errorf("callId = %v", data["callId"])
	}
	creds, ok := data["sipCredentials"].(map[string]any)
	if !ok || creds["username"] != "tmp_c0ffee" || creds["serverIp"] != "203.0.113.10" {
		t.Errorf("sipCredentials = %v", data["sipCredentials"])
	}
}

func TestCallCredentialsUnknownToken(t *testing.T) {
	srv, _, _ := testServer()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/credentials?callToken=nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCallCredentialsMissingToken(t *testing.T) {
	srv, _, _ := testServer()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/credentials", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCallEndAndRejectAlias(t *testing.T) {
	for _, path := range []string{"/calls/end", "/calls/reject"} {
		t.Run(path, func(t *testing.T) {
			srv, calls, _ := testServer()
			calls.calls["T1"] = &session.CallRecord{CallID: "c0ffee"}

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path,
				strings.NewReader(`{"callToken":"T1"}`)))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
			}
			data, _ := decodeEnvelope(t, rec)
			if data["ok"] != true {
				t.Errorf("payload = %v", data)
			}

			// The call is gone now; repeating the request is a 404.
			rec = httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path,
				strings.NewReader(`{"callToken":"T1"}`)))
			if rec.Code != http.StatusNotFound {
				t.Errorf("repeat status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestOutgoingCredentialsAndCleanup(t *testing.T) {
	srv, _, _ := testServer()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls/outgoing-credentials",
		strings.NewReader(`{}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	data, _ := decodeEnvelope(t, rec)
	if data["outgoingToken"] != "OT1" {
		t.Errorf("outgoingToken = %v", data["outgoingToken"])
	}
	creds, ok := data["sipCredentials"].(map[string]any)
	if !ok || creds["username"] != "out_abc" {
		t.Errorf("sipCredentials = %v", data["sipCredentials"])
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls/outgoing-cleanup",
		strings.NewReader(`{"outgoingToken":"OT1"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls/outgoing-cleanup",
		strings.NewReader(`{"outgoingToken":"OT1"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat cleanup status = %d, want 404", rec.Code)
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	srv, calls, _ := testServer()
	calls.mintErr = errors.New("pq: connection refused to db at 10.0.0.3")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls/outgoing-credentials",
		strings.NewReader(`{}`)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	_, errMsg := decodeEnvelope(t, rec)
	if errMsg != "internal error" {
		t.Errorf("error = %q, internals must not leak", errMsg)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Error("response leaked backend details")
	}
}
