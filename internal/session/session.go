// Package session holds the per-call coordination records in a TTL'd
// key-value store. The records are the only call state the orchestrator has:
// there is no in-memory call table, so a crash-restart recovers from the
// store alone. Each key is written by exactly one call and acts as a
// single-writer lease; cleanup happens by TTL expiry rather than explicit
// deletes so that a late client action finds a deterministic "not found"
// instead of a half-open state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("session: record not found")

// Client is the minimal key-value surface the store needs. The concrete
// redis client is created in cmd and injected; tests use an in-memory fake.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// Credentials are the SIP account details handed to the mobile client.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	ServerIP string `json:"server_ip"`
}

// CallRecord is the payload behind call:<token>. It carries everything the
// client needs to join the call plus the engine-side identifiers used for
// hangup and cleanup.
type CallRecord struct {
	CallID      string      `json:"call_id"`
	CallToken   string      `json:"call_token"`
	ChannelID   string      `json:"channel_id"`
	EndpointID  string      `json:"endpoint_id"`
	BridgeID    string      `json:"bridge_id"`
	Credentials Credentials `json:"credentials"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ChannelRecord is the back-reference behind channel:<channelID>.
type ChannelRecord struct {
	CallToken  string `json:"call_token"`
	EndpointID string `json:"endpoint_id"`
}

// Endpoint record kinds.
const (
	EndpointKindCall     = "call"
	EndpointKindOutgoing = "outgoing"
)

// EndpointRecord is the back-reference behind endpoint:<endpointID>. The
// janitor uses it to decide whether a realtime endpoint row is still owned
// by a live session.
type EndpointRecord struct {
	Kind  string `json:"kind"` // "call" or "outgoing"
	Token string `json:"token"`
}

// PendingOriginate is the lease behind originate:<endpointID>: "when this
// endpoint registers, originate it into BridgeID". It is deleted on originate
// success, which is what makes the registration/originate race settle on
// exactly one outbound leg.
type PendingOriginate struct {
	BridgeID  string `json:"bridge_id"`
	ChannelID string `json:"channel_id"`
}

// OutgoingRecord is the payload behind outgoing:<token> for client-initiated
// calls.
type OutgoingRecord struct {
	EndpointID  string      `json:"endpoint_id"`
	Credentials Credentials `json:"credentials"`
	CreatedAt   time.Time   `json:"created_at"`
}

// key builders
func callKey(token string) string     { return "call:" + token }
func channelKey(id string) string     { return "channel:" + id }
func endpointKey(id string) string    { return "endpoint:" + id }
func originateKey(id string) string   { return "originate:" + id }
func outgoingKey(token string) string { return "outgoing:" + token }

// Store reads and writes the typed session records. All records share the
// call-token TTL except pending originates, which live only as long as the
// ring timeout.
type Store struct {
	client       Client
	callTTL      time.Duration
	originateTTL time.Duration
}

// NewStore creates a Store on top of the given key-value client.
func NewStore(client Client, callTTL, originateTTL time.Duration) *Store {
	return &Store{client: client, callTTL: callTTL, originateTTL: originateTTL}
}

func (s *Store) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SaveCall writes the call:, channel: and endpoint: records for a new call
// under the call-token TTL.
func (s *Store) SaveCall(ctx context.Context, rec *CallRecord) error {
	if err := s.set(ctx, callKey(rec.CallToken), rec, s.callTTL); err != nil {
		return err
	}
	if err := s.set(ctx, channelKey(rec.ChannelID), &ChannelRecord{
		CallToken:  rec.CallToken,
		EndpointID: rec.EndpointID,
	}, s.callTTL); err != nil {
		return err
	}
	return s.set(ctx, endpointKey(rec.EndpointID), &EndpointRecord{
		Kind:  EndpointKindCall,
		Token: rec.CallToken,
	}, s.callTTL)
}

// GetCall resolves a call token to its record.
func (s *Store) GetCall(ctx context.Context, token string) (*CallRecord, error) {
	var rec CallRecord
	if err := s.get(ctx, callKey(token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteCall removes the call: record. The channel: and endpoint: records are
// left to expire; the janitor reconciles anything that outlives them.
func (s *Store) DeleteCall(ctx context.Context, token string) error {
	return s.client.Del(ctx, callKey(token))
}

// GetChannel resolves an engine channel id to its owning session.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*ChannelRecord, error) {
	var rec ChannelRecord
	if err := s.get(ctx, channelKey(channelID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetEndpoint resolves an ephemeral endpoint id to its owning session.
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*EndpointRecord, error) {
	var rec EndpointRecord
	if err := s.get(ctx, endpointKey(endpointID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SavePendingOriginate writes the originate lease for an endpoint. It expires
// with the ring timeout: once the ring window has closed there is nothing
// left to originate.
func (s *Store) SavePendingOriginate(ctx context.Context, endpointID string, p *PendingOriginate) error {
	return s.set(ctx, originateKey(endpointID), p, s.originateTTL)
}

// GetPendingOriginate returns the originate lease for an endpoint, if any.
func (s *Store) GetPendingOriginate(ctx context.Context, endpointID string) (*PendingOriginate, error) {
	var rec PendingOriginate
	if err := s.get(ctx, originateKey(endpointID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeletePendingOriginate removes the originate lease after a successful
// originate. Safe to call when the lease is already gone.
func (s *Store) DeletePendingOriginate(ctx context.Context, endpointID string) error {
	return s.client.Del(ctx, originateKey(endpointID))
}

// SaveOutgoing writes the record for a client-initiated outgoing credential
// set, plus the endpoint back-reference the janitor needs.
func (s *Store) SaveOutgoing(ctx context.Context, token string, rec *OutgoingRecord) error {
	if err := s.set(ctx, outgoingKey(token), rec, s.callTTL); err != nil {
		return err
	}
	return s.set(ctx, endpointKey(rec.EndpointID), &EndpointRecord{
		Kind:  EndpointKindOutgoing,
		Token: token,
	}, s.callTTL)
}

// GetOutgoing resolves an outgoing token to its record.
func (s *Store) GetOutgoing(ctx context.Context, token string) (*OutgoingRecord, error) {
	var rec OutgoingRecord
	if err := s.get(ctx, outgoingKey(token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteOutgoing removes an outgoing record and its endpoint back-reference.
func (s *Store) DeleteOutgoing(ctx context.Context, token, endpointID string) error {
	return s.client.Del(ctx, outgoingKey(token), endpointKey(endpointID))
}
