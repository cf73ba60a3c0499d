package push

import (
	"context"
	"fmt"
)

// Target is one registered device to notify.
type Target struct {
	Token    string
	Platform string // "expo", "fcm", "apns"
}

// fcmDirect is the subset of FCMSender the dispatcher needs.
type fcmDirect interface {
	Send(ctx context.Context, token string, payload Payload) error
}

// Dispatcher fans a call invite out to all of a user's devices. FCM tokens
// go directly to Firebase when a direct sender is configured; everything
// else is batched through the vendor HTTP endpoint.
type Dispatcher struct {
	http *HTTPSender
	fcm  fcmDirect // nil when no service account is configured
}

// NewDispatcher creates a dispatcher. fcm may be nil.
func NewDispatcher(http *HTTPSender, fcm *FCMSender) *Dispatcher {
	d := &Dispatcher{http: http}
	if fcm != nil {
		d.fcm = fcm
	}
	return d
}

// Dispatch sends payload to every target. Failures across the fan-out
// collapse into a single aggregate error carrying the count and first
// cause; the caller treats it as non-fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, payload Payload) error {
	if len(targets) == 0 {
		return fmt.Errorf("push: no registered devices")
	}

	var batch []Message
	failed := 0
	firstCause := ""

	for _, t := range targets {
		if t.Platform == "fcm" && d.fcm != nil {
			if err := d.fcm.Send(ctx, t.Token, payload); err != nil {
				failed++
				if firstCause == "" {
					firstCause = err.Error()
				}
			}
			continue
		}
		batch = append(batch, Message{
			To:       t.Token,
			Priority: "high",
			Data:     payload,
		})
	}

	if err := d.http.Send(ctx, batch); err != nil {
		failed++
		if firstCause == "" {
			firstCause = err.Error()
		}
	}

	if failed > 0 {
		return fmt.Errorf("push: %d delivery failures: %s", failed, firstCause)
	}
	return nil
}
