package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// EventHandler receives decoded events in arrival order. Handlers must not
// block the stream reader; long work is handed off to its own goroutine.
type EventHandler func(ctx context.Context, ev Event)

// Stream consumes the engine's WebSocket event feed. The socket is
// self-healing: on close or error it reconnects with exponential backoff,
// and the first successful reconnect resets the attempt counter.
type Stream struct {
	url      string
	user     string
	password string
	handler  EventHandler
	dialer   *websocket.Dialer
}

// NewStream creates a stream for the given event-feed URL. Credentials are
// sent as a basic-auth header during the upgrade, never in the URL.
func NewStream(url, user, password string, handler EventHandler) *Stream {
	return &Stream{
		url:      url,
		user:     user,
		password: password,
		handler:  handler,
		dialer:   websocket.DefaultDialer,
	}
}

// Run consumes events until the context is cancelled. Connection failures
// are retried forever; each successful session resets the backoff.
func (s *Stream) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := s.consume(ctx)
		if connected {
			attempt = 0
		}
		if err != nil {
			slog.Warn("event stream disconnected", "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoffDelay(attempt)
		slog.Info("reconnecting to event stream", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume runs one WebSocket session: connect, then read and dispatch until
// the connection drops. The bool reports whether a connection was
// established; a nil error means the context was cancelled.
func (s *Stream) consume(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Basic "+
		base64.StdEncoding.EncodeToString([]byte(s.user+":"+s.password)))

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	slog.Info("event stream connected")

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			// Invalid payloads are dropped.
			slog.Debug("dropping undecodable event", "error", err)
			continue
		}
		s.handler(ctx, ev)
	}
}

// backoffDelay returns the reconnect delay for the given attempt:
// 1s, 2s, 4s, ... capped at 30s.
func backoffDelay(attempt int) time.Duration {
	delay := reconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectCap {
			return reconnectCap
		}
	}
	if delay > reconnectCap {
		return reconnectCap
	}
	return delay
}
