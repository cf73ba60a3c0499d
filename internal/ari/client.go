// Package ari is the client for the telephony engine's REST and event-stream
// control surface (Asterisk ARI). The orchestrator drives bridges, channels
// and originates through it and consumes Stasis events from the stream.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Error is a non-2xx response from the engine.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ari: engine returned %d: %s", e.Status, e.Body)
}

// Channel is one leg of a call from the engine's perspective.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Bridge is a mixing point interconnecting channels.
type Bridge struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
}

// Client talks to the engine's REST surface. Credentials travel in the
// Authorization header, never in the URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	app        string
	user       string
	password   string
}

// NewClient creates an engine client for the given REST base
// (e.g. "http://pbx:8088/ari") and Stasis application name.
func NewClient(baseURL, app, user, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		app:        app,
		user:       user,
		password:   password,
	}
}

// do issues a request and decodes a 2xx JSON body into out (when out is
// non-nil). A 204 or empty body is a null success. Non-2xx statuses surface
// as *Error with the status and raw body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: marshalling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("ari: creating request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("ari: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("ari: decoding response: %w", err)
	}
	return nil
}

// SubscribeEndpointEvents registers the application as a consumer of
// endpoint-state events for the PJSIP namespace. Idempotent on the engine
// side; called once at startup.
func (c *Client) SubscribeEndpointEvents(ctx context.Context) error {
	path := fmt.Sprintf("/applications/%s/subscription?eventSource=%s",
		url.PathEscape(c.app), url.QueryEscape("endpoint:PJSIP"))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hold puts a channel on hold.
func (c *Client) Hold(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/hold", nil, nil)
}

// Hangup terminates a channel. A 404 means the channel is already gone and
// is treated as success.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Originate creates an outbound channel toward endpoint and routes it into
// the application with the given arguments.
func (c *Client) Originate(ctx context.Context, endpoint, appArgs string) (*Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodPost, "/channels", map[string]string{
		"endpoint": endpoint,
		"app":      c.app,
		"appArgs":  appArgs,
	}, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var b Bridge
	err := c.do(ctx, http.MethodPost, "/bridges", map[string]string{"type": "mixing"}, &b)
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

// AddChannel places a channel into a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel",
		map[string]string{"channel": channelID}, nil)
}

// GetBridge returns the bridge with its current channel membership.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	var b Bridge
	if err := c.do(ctx, http.MethodGet, "/bridges/"+url.PathEscape(bridgeID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBridge destroys a bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// GetChannel returns the current state of a channel.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}
