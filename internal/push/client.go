// Package push delivers call-invite notifications to registered mobile
// devices. The payload is data-only so the mobile OS wakes a background
// handler instead of showing a notification; the app then registers the
// enclosed SIP identity and joins the call.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PayloadTypeCall marks a call-invite push.
const PayloadTypeCall = "SIP_CALL"

// SIPCredentials are the short-lived account details carried in the push.
type SIPCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	ServerIP string `json:"server_ip"`
}

// Payload is the data section of a call-invite push.
type Payload struct {
	Type           string         `json:"type"`
	CallID         string         `json:"callId"`
	SIPCredentials SIPCredentials `json:"sipCredentials"`
}

// Message is one entry in the vendor's batch envelope.
type Message struct {
	To       string  `json:"to"`
	Priority string  `json:"priority"`
	Data     Payload `json:"data"`
}

// receipt is the vendor's per-message delivery status.
type receipt struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// vendorResponse wraps the per-message receipts.
type vendorResponse struct {
	Data []receipt `json:"data"`
}

// HTTPSender posts batches of messages to the push vendor.
type HTTPSender struct {
	httpClient  *http.Client
	url         string
	accessToken string
}

// NewHTTPSender creates a sender for the vendor batch endpoint. accessToken
// is optional; when set it is sent as a bearer token.
func NewHTTPSender(url, accessToken string) *HTTPSender {
	return &HTTPSender{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		url:         url,
		accessToken: accessToken,
	}
}

// Send posts the batch and returns a single aggregate error when any message
// in it failed, reporting the failure count and the first cause.
func (s *HTTPSender) Send(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("push: marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: sending batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: vendor returned status %d: %s", resp.StatusCode, respBody)
	}

	var vr vendorResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return fmt.Errorf("push: decoding response: %w", err)
	}

	failed := 0
	firstCause := ""
	for _, r := range vr.Data {
		if r.Status != "ok" {
			failed++
			if firstCause == "" {
				firstCause = r.Message
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("push: %d of %d messages failed: %s", failed, len(messages), firstCause)
	}

	slog.Debug("push batch delivered", "count", len(messages))
	return nil
}
