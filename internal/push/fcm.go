package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers data-only pushes directly via Firebase Cloud Messaging
// for installations that run their own Firebase project instead of the
// hosted vendor endpoint.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// Send delivers one data-only, high-priority message to an FCM registration
// token. The TTL is short: a call invite is useless once the ring window
// has closed.
func (f *FCMSender) Send(ctx context.Context, token string, payload Payload) error {
	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":      payload.Type,
			"call_id":   payload.CallID,
			"username":  payload.SIPCredentials.Username,
			"password":  payload.SIPCredentials.Password,
			"domain":    payload.SIPCredentials.Domain,
			"server_ip": payload.SIPCredentials.ServerIP,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id, "call_id", payload.CallID)
	return nil
}
