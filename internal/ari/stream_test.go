package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestStreamDispatchesValidEventsAndDropsGarbage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Basic ") {
			t.Errorf("missing basic auth header, got %q", auth)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"StasisStart","channel":{"id":"CH1"},"args":[]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"EndpointStateChange","endpoint":{"technology":"PJSIP","resource":"tmp_abc","state":"online"}}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var events []Event
	gotTwo := make(chan struct{})

	handler := func(_ context.Context, ev Event) {
		mu.Lock()
		events = append(events, ev)
		if len(events) == 2 {
			close(gotTwo)
		}
		mu.Unlock()
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStream(wsURL, "ari", "secret", handler)
	go s.Run(ctx)

	select {
	case <-gotTwo:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != EventStasisStart || events[0].Channel.ID != "CH1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != EventEndpointStateChange || events[1].Endpoint.Resource != "tmp_abc" {
		t.Errorf("second event = %+v", events[1])
	}
	if events[1].Endpoint.State != EndpointOnline {
		t.Errorf("endpoint state = %q, want online", events[1].Endpoint.State)
	}
}
