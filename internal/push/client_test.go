package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func callPayload() Payload {
	return Payload{
		Type:   PayloadTypeCall,
		CallID: "c0ffee",
		SIPCredentials: SIPCredentials{
			Username: "tmp_c0ffee",
			Password: "pw",
			Domain:   "sip.example.org",
			ServerIP: "203.0.113.10",
		},
	}
}

func TestSendBatch(t *testing.T) {
	var gotAuth string
	var gotBatch []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
			t.Fatalf("decoding batch: %v", err)
		}
		json.NewEncoder(w).Encode(vendorResponse{Data: []receipt{{Status: "ok"}, {Status: "ok"}}})
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "vendor-token")
	msgs := []Message{
		{To: "ExponentPushToken[a]", Priority: "high", Data: callPayload()},
		{To: "ExponentPushToken[b]", Priority: "high", Data: callPayload()},
	}
	if err := s.Send(context.Background(), msgs); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotAuth != "Bearer vendor-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotBatch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(gotBatch))
	}
	if gotBatch[0].Data.Type != PayloadTypeCall {
		t.Errorf("payload type = %q, want %q", gotBatch[0].Data.Type, PayloadTypeCall)
	}
	if gotBatch[0].Data.SIPCredentials.Username != "tmp_c0ffee" {
		t.Errorf("payload credentials = %+v", gotBatch[0].Data.SIPCredentials)
	}
}

func TestSendAggregatesPartialFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(vendorResponse{Data: []receipt{
			{Status: "ok"},
			{Status: "error", Message: "DeviceNotRegistered"},
			{Status: "error", Message: "MessageTooBig"},
		}})
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "")
	msgs := []Message{{To: "a"}, {To: "b"}, {To: "c"}}
	err := s.Send(context.Background(), msgs)
	if err == nil {
		t.Fatal("expected aggregate error, got nil")
	}
	if !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("error %q does not report the failure count", err)
	}
	if !strings.Contains(err.Error(), "DeviceNotRegistered") {
		t.Errorf("error %q does not report the first cause", err)
	}
}

func TestSendEmptyBatchIsNoop(t *testing.T) {
	s := NewHTTPSender("http://127.0.0.1:1", "") // would fail if contacted
	if err := s.Send(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v, want nil", err)
	}
}

func TestDispatcherRoutesFCMDirect(t *testing.T) {
	var batch []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&batch)
		json.NewEncoder(w).Encode(vendorResponse{Data: []receipt{{Status: "ok"}}})
	}))
	defer srv.Close()

	fcm := &fakeFCM{}
	d := &Dispatcher{http: NewHTTPSender(srv.URL, ""), fcm: fcm}

	targets := []Target{
		{Token: "fcm-token", Platform: "fcm"},
		{Token: "ExponentPushToken[x]", Platform: "expo"},
	}
	if err := d.Dispatch(context.Background(), targets, callPayload()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if fcm.sent != 1 {
		t.Errorf("fcm sends = %d, want 1", fcm.sent)
	}
	if len(batch) != 1 || batch[0].To != "ExponentPushToken[x]" {
		t.Errorf("http batch = %+v", batch)
	}
}

func TestDispatcherNoTargets(t *testing.T) {
	d := NewDispatcher(NewHTTPSender("http://127.0.0.1:1", ""), nil)
	if err := d.Dispatch(context.Background(), nil, callPayload()); err == nil {
		t.Error("expected error for empty target list")
	}
}

type fakeFCM struct {
	sent int
	err  error
}

func (f *fakeFCM) Send(_ context.Context, _ string, _ Payload) error {
	f.sent++
	return f.err
}
