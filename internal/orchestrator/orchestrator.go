// Package orchestrator drives one state machine per incoming doorphone call.
// For each call it mints a single-use SIP account, builds a mixing bridge in
// the telephony engine, pushes the credentials to the resident's devices and
// originates the client leg once the minted endpoint registers. All call
// state lives in the session store and the realtime tables; there is no
// in-memory call table, so a restart recovers from the stores alone.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intercomd/intercomd/internal/ari"
	"github.com/intercomd/intercomd/internal/push"
	"github.com/intercomd/intercomd/internal/realtime"
	"github.com/intercomd/intercomd/internal/session"
)

// ErrNotFound is returned when a token does not resolve to a live call.
var ErrNotFound = session.ErrNotFound

// Call outcomes recorded in the call history.
const (
	OutcomeAnswered = "answered"
	OutcomeTimedOut = "timed_out"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// appArgOutgoing marks the Stasis leg of an originated client channel.
const appArgOutgoing = "outgoing"

// Engine is the subset of the ARI client the orchestrator uses.
type Engine interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	Originate(ctx context.Context, endpoint, appArgs string) (*ari.Channel, error)
	CreateBridge(ctx context.Context) (string, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	GetBridge(ctx context.Context, bridgeID string) (*ari.Bridge, error)
	DeleteBridge(ctx context.Context, bridgeID string) error
	GetChannel(ctx context.Context, channelID string) (*ari.Channel, error)
}

// Directory is the realtime-config surface the orchestrator writes.
type Directory interface {
	CreateEphemeralEndpoint(ctx context.Context, p realtime.EndpointParams) error
	DeleteEphemeralEndpoint(ctx context.Context, id string) error
	ListEphemeralEndpoints(ctx context.Context) ([]string, error)
	ListPushTokens(ctx context.Context, userID string) ([]realtime.PushTarget, error)
	RecordCallOutcome(ctx context.Context, callID, endpointID, outcome string) error
}

// Notifier dispatches call invites to a user's devices.
type Notifier interface {
	Dispatch(ctx context.Context, targets []push.Target, payload push.Payload) error
}

// Options carries the per-installation parameters.
type Options struct {
	Domain    string // SIP domain embedded in credentials
	ServerIP  string
	Context   string // dialplan context for minted endpoints
	Recipient string // user whose devices are pushed on a doorphone call

	RingTimeout time.Duration

	// Delays for the outgoing-leg handler; tests shorten them.
	SettleDelay time.Duration
	RetryDelay  time.Duration
}

// Orchestrator coordinates the engine, the session store, the realtime
// directory and the push dispatcher.
type Orchestrator struct {
	engine    Engine
	sessions  *session.Store
	directory Directory
	notifier  Notifier
	opts      Options
}

// New creates an orchestrator. Zero delays in opts fall back to the
// production values (200ms settle, 500ms retry).
func New(engine Engine, sessions *session.Store, directory Directory, notifier Notifier, opts Options) *Orchestrator {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Orchestrator{
		engine:    engine,
		sessions:  sessions,
		directory: directory,
		notifier:  notifier,
		opts:      opts,
	}
}

// HandleEvent reacts to one engine event. Events arrive in order from the
// stream reader; the outgoing-leg handler is the only path that detaches,
// because it sleeps through a settle interval.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		if len(ev.Args) >= 2 && ev.Args[0] == appArgOutgoing {
			go o.handleOutgoingLeg(ctx, ev.Channel.ID, ev.Args[1])
			return
		}
		o.handleDoorphoneCall(ctx, ev.Channel.ID)

	case ari.EventStasisEnd:
		if ev.Channel == nil {
			return
		}
		// Session records expire by TTL and the janitor reconciles the
		// realtime rows; nothing to tear down here.
		slog.Debug("channel left application", "channel_id", ev.Channel.ID)

	case ari.EventEndpointStateChange:
		if ev.Endpoint == nil {
			return
		}
		o.handleEndpointStateChange(ctx, ev.Endpoint)
	}
}

// handleDoorphoneCall performs the composite creation step for an inbound
// doorphone leg: answer, mint identity, realtime rows, session records,
// bridge, pending originate, push, ring timer. Setup failures abandon the
// call; the TTLs and the janitor converge on a clean state.
func (o *Orchestrator) handleDoorphoneCall(ctx context.Context, channelID string) {
	if err := o.engine.Answer(ctx, channelID); err != nil {
		slog.Error("answering doorphone channel failed", "channel_id", channelID, "error", err)
		return
	}

	callID := uuid.NewString()
	callToken, err := randomToken()
	if err != nil {
		slog.Error("minting call token failed", "error", err)
		return
	}
	endpointID := realtime.PrefixInbound + callID
	sipPassword, err := randomToken()
	if err != nil {
		slog.Error("minting sip password failed", "error", err)
		return
	}

	log := slog.With("call_id", callID, "channel_id", channelID, "endpoint_id", endpointID)

	err = o.directory.CreateEphemeralEndpoint(ctx, realtime.EndpointParams{
		ID:         endpointID,
		Username:   endpointID,
		Password:   sipPassword,
		Context:    o.opts.Context,
		TemplateID: realtime.TemplateClient,
	})
	if err != nil {
		// Abort before any push is sent; nothing user-visible exists yet.
		log.Error("creating ephemeral endpoint failed", "error", err)
		return
	}

	rec := &session.CallRecord{
		CallID:     callID,
		CallToken:  callToken,
		ChannelID:  channelID,
		EndpointID: endpointID,
		Credentials: session.Credentials{
			Username: endpointID,
			Password: sipPassword,
			Domain:   o.opts.Domain,
			ServerIP: o.opts.ServerIP,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.SaveCall(ctx, rec); err != nil {
		log.Error("storing session records failed", "error", err)
		o.abortSetup(ctx, callID, endpointID)
		return
	}

	bridgeID, err := o.engine.CreateBridge(ctx)
	if err != nil {
		log.Error("creating bridge failed", "error", err)
		o.abortSetup(ctx, callID, endpointID)
		return
	}

	if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
		log.Error("adding doorphone channel to bridge failed", "bridge_id", bridgeID, "error", err)
		if derr := o.engine.DeleteBridge(ctx, bridgeID); derr != nil {
			log.Warn("deleting orphaned bridge failed", "bridge_id", bridgeID, "error", derr)
		}
		o.abortSetup(ctx, callID, endpointID)
		return
	}

	// Re-save with the bridge id so end/reject can tear the bridge down.
	rec.BridgeID = bridgeID
	if err := o.sessions.SaveCall(ctx, rec); err != nil {
		log.Error("updating session records failed", "error", err)
		o.abortSetup(ctx, callID, endpointID)
		return
	}

	// The originate lease goes in before the push so the registration/
	// originate race can be won from either side.
	err = o.sessions.SavePendingOriginate(ctx, endpointID, &session.PendingOriginate{
		BridgeID:  bridgeID,
		ChannelID: channelID,
	})
	if err != nil {
		log.Error("storing pending originate failed", "error", err)
		o.abortSetup(ctx, callID, endpointID)
		return
	}

	o.sendCallPush(ctx, log, callID, rec.Credentials)

	time.AfterFunc(o.opts.RingTimeout, func() {
		o.handleRingTimeout(context.Background(), callToken)
	})

	log.Info("doorphone call ringing", "bridge_id", bridgeID)
}

// sendCallPush dispatches the invite to the configured recipient. Failure is
// non-fatal: the ring continues and the timeout closes the call.
func (o *Orchestrator) sendCallPush(ctx context.Context, log *slog.Logger, callID string, creds session.Credentials) {
	tokens, err := o.directory.ListPushTokens(ctx, o.opts.Recipient)
	if err != nil {
		log.Warn("listing push tokens failed", "error", err)
		return
	}

	targets := make([]push.Target, 0, len(tokens))
	for _, t := range tokens {
		targets = append(targets, push.Target{Token: t.Token, Platform: t.Platform})
	}

	payload := push.Payload{
		Type:   push.PayloadTypeCall,
		CallID: callID,
		SIPCredentials: push.SIPCredentials{
			Username: creds.Username,
			Password: creds.Password,
			Domain:   creds.Domain,
			ServerIP: creds.ServerIP,
		},
	}
	if err := o.notifier.Dispatch(ctx, targets, payload); err != nil {
		log.Warn("push dispatch failed", "error", err)
	}
}

// abortSetup records the failure and removes the realtime rows that were
// already written. Session records are left to expire.
func (o *Orchestrator) abortSetup(ctx context.Context, callID, endpointID string) {
	if err := o.directory.RecordCallOutcome(ctx, callID, endpointID, OutcomeFailed); err != nil {
		slog.Warn("recording failed call outcome", "call_id", callID, "error", err)
	}
	if err := o.directory.DeleteEphemeralEndpoint(ctx, endpointID); err != nil {
		slog.Warn("removing endpoint rows after aborted setup", "endpoint_id", endpointID, "error", err)
	}
}

// handleOutgoingLeg runs when the originated client channel enters the
// application. The engine needs a moment to settle the channel before it
// can join a bridge, hence the delay. One retry is allowed.
func (o *Orchestrator) handleOutgoingLeg(ctx context.Context, channelID, bridgeID string) {
	time.Sleep(o.opts.SettleDelay)

	if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
		slog.Warn("adding outgoing channel to bridge failed, retrying",
			"channel_id", channelID, "bridge_id", bridgeID, "error", err)
		time.Sleep(o.opts.RetryDelay)
		if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
			slog.Error("adding outgoing channel to bridge failed",
				"channel_id", channelID, "bridge_id", bridgeID, "error", err)
			return
		}
	}

	// Answer any counterpart leg that is still ringing.
	bridge, err := o.engine.GetBridge(ctx, bridgeID)
	if err != nil {
		slog.Warn("inspecting bridge failed", "bridge_id", bridgeID, "error", err)
		return
	}
	for _, member := range bridge.Channels {
		if member == channelID {
			continue
		}
		ch, err := o.engine.GetChannel(ctx, member)
		if err != nil {
			slog.Warn("inspecting bridge member failed", "channel_id", member, "error", err)
			continue
		}
		if ch.State != "Up" {
			if err := o.engine.Answer(ctx, member); err != nil {
				slog.Warn("answering bridge member failed", "channel_id", member, "error", err)
			}
		}
	}

	slog.Info("outgoing channel bridged", "channel_id", channelID, "bridge_id", bridgeID)
}

// handleEndpointStateChange fires the pending originate once a disposable
// endpoint becomes reachable.
func (o *Orchestrator) handleEndpointStateChange(ctx context.Context, ep *ari.Endpoint) {
	id := ep.Resource
	if !strings.HasPrefix(id, realtime.PrefixInbound) && !strings.HasPrefix(id, realtime.PrefixOutgoing) {
		return
	}
	if ep.State == ari.EndpointOffline || ep.State == ari.EndpointUnknown {
		return
	}

	pending, err := o.sessions.GetPendingOriginate(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("reading pending originate failed", "endpoint_id", id, "error", err)
		return
	}

	if err := o.tryOriginate(ctx, id, pending); err != nil {
		// Transient: the lease stays for a later event or the retry loop.
		slog.Warn("originate attempt failed", "endpoint_id", id, "error", err)
	}
}

// tryOriginate issues the outbound leg for a pending originate and deletes
// the lease on success, which is what guarantees at most one client leg per
// lease.
func (o *Orchestrator) tryOriginate(ctx context.Context, endpointID string, p *session.PendingOriginate) error {
	_, err := o.engine.Originate(ctx, "PJSIP/"+endpointID, appArgOutgoing+","+p.BridgeID)
	if err != nil {
		return err
	}
	if err := o.sessions.DeletePendingOriginate(ctx, endpointID); err != nil {
		slog.Warn("deleting originate lease failed", "endpoint_id", endpointID, "error", err)
	}
	o.recordOutcomeForEndpoint(ctx, endpointID, OutcomeAnswered)
	slog.Info("client leg originated", "endpoint_id", endpointID, "bridge_id", p.BridgeID)
	return nil
}

// recordOutcomeForEndpoint resolves an endpoint back to its call and writes
// the history row. Best effort.
func (o *Orchestrator) recordOutcomeForEndpoint(ctx context.Context, endpointID, outcome string) {
	ep, err := o.sessions.GetEndpoint(ctx, endpointID)
	if err != nil || ep.Kind != session.EndpointKindCall {
		return
	}
	call, err := o.sessions.GetCall(ctx, ep.Token)
	if err != nil {
		return
	}
	if err := o.directory.RecordCallOutcome(ctx, call.CallID, endpointID, outcome); err != nil {
		slog.Warn("recording call outcome failed", "call_id", call.CallID, "error", err)
	}
}

// handleRingTimeout closes a call that nobody picked up. The session records
// are left to expire so a late client gets a deterministic "not found".
func (o *Orchestrator) handleRingTimeout(ctx context.Context, callToken string) {
	call, err := o.sessions.GetCall(ctx, callToken)
	if errors.Is(err, session.ErrNotFound) {
		return // answered or ended in time
	}
	if err != nil {
		slog.Error("reading call at ring timeout failed", "error", err)
		return
	}

	// Two or more bridge members means the client leg joined and the call
	// is live; the timer has nothing to do.
	if call.BridgeID != "" {
		if bridge, err := o.engine.GetBridge(ctx, call.BridgeID); err == nil && len(bridge.Channels) >= 2 {
			return
		}
	}

	slog.Info("ring timeout, hanging up doorphone", "call_id", call.CallID, "channel_id", call.ChannelID)

	if err := o.engine.Hangup(ctx, call.ChannelID); err != nil {
		slog.Warn("hangup at ring timeout failed", "channel_id", call.ChannelID, "error", err)
	}
	if call.BridgeID != "" {
		if err := o.engine.DeleteBridge(ctx, call.BridgeID); err != nil {
			slog.Warn("deleting bridge at ring timeout failed", "bridge_id", call.BridgeID, "error", err)
		}
	}
	if err := o.directory.RecordCallOutcome(ctx, call.CallID, call.EndpointID, OutcomeTimedOut); err != nil {
		slog.Warn("recording timed out call outcome failed", "call_id", call.CallID, "error", err)
	}
}

// Credentials resolves a call token to the SIP credentials it was minted
// with. Side-effect free: the bridge and the originate lease already exist
// from the creation step.
func (o *Orchestrator) Credentials(ctx context.Context, callToken string) (*session.CallRecord, error) {
	return o.sessions.GetCall(ctx, callToken)
}

// EndCall hangs up the doorphone leg for a call token (client reject or
// explicit end). Cleanup failures on the engine side are logged and
// swallowed. Returns ErrNotFound for an unknown or already-ended token.
func (o *Orchestrator) EndCall(ctx context.Context, callToken string) error {
	call, err := o.sessions.GetCall(ctx, callToken)
	if err != nil {
		return err
	}

	if err := o.engine.Hangup(ctx, call.ChannelID); err != nil {
		slog.Warn("hangup on client end failed", "channel_id", call.ChannelID, "error", err)
	}
	if call.BridgeID != "" {
		if err := o.engine.DeleteBridge(ctx, call.BridgeID); err != nil {
			slog.Warn("deleting bridge on client end failed", "bridge_id", call.BridgeID, "error", err)
		}
	}

	// Drop the call record now so a repeated end is an explicit 404; the
	// remaining records expire by TTL.
	if err := o.sessions.DeleteCall(ctx, callToken); err != nil {
		return fmt.Errorf("removing call record: %w", err)
	}
	if err := o.directory.RecordCallOutcome(ctx, call.CallID, call.EndpointID, OutcomeRejected); err != nil {
		slog.Warn("recording rejected call outcome failed", "call_id", call.CallID, "error", err)
	}

	slog.Info("call ended by client", "call_id", call.CallID)
	return nil
}

// OutgoingCredentials mints a disposable out_ endpoint for a
// client-initiated call and returns its token and credentials.
func (o *Orchestrator) OutgoingCredentials(ctx context.Context) (string, *session.OutgoingRecord, error) {
	callID := uuid.NewString()
	token, err := randomToken()
	if err != nil {
		return "", nil, fmt.Errorf("minting outgoing token: %w", err)
	}
	endpointID := realtime.PrefixOutgoing + callID
	password, err := randomToken()
	if err != nil {
		return "", nil, fmt.Errorf("minting sip password: %w", err)
	}

	err = o.directory.CreateEphemeralEndpoint(ctx, realtime.EndpointParams{
		ID:         endpointID,
		Username:   endpointID,
		Password:   password,
		Context:    o.opts.Context,
		TemplateID: realtime.TemplateClient,
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating outgoing endpoint: %w", err)
	}

	rec := &session.OutgoingRecord{
		EndpointID: endpointID,
		Credentials: session.Credentials{
			Username: endpointID,
			Password: password,
			Domain:   o.opts.Domain,
			ServerIP: o.opts.ServerIP,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.SaveOutgoing(ctx, token, rec); err != nil {
		if derr := o.directory.DeleteEphemeralEndpoint(ctx, endpointID); derr != nil {
			slog.Warn("removing endpoint rows after failed outgoing mint", "endpoint_id", endpointID, "error", derr)
		}
		return "", nil, fmt.Errorf("storing outgoing record: %w", err)
	}

	slog.Info("outgoing credentials minted", "endpoint_id", endpointID)
	return token, rec, nil
}

// OutgoingCleanup releases an outgoing credential set before its TTL.
// Returns ErrNotFound for an unknown token.
func (o *Orchestrator) OutgoingCleanup(ctx context.Context, token string) error {
	rec, err := o.sessions.GetOutgoing(ctx, token)
	if err != nil {
		return err
	}

	if err := o.directory.DeleteEphemeralEndpoint(ctx, rec.EndpointID); err != nil {
		slog.Warn("removing outgoing endpoint rows failed", "endpoint_id", rec.EndpointID, "error", err)
	}
	if err := o.sessions.DeleteOutgoing(ctx, token, rec.EndpointID); err != nil {
		return fmt.Errorf("removing outgoing record: %w", err)
	}

	slog.Info("outgoing credentials released", "endpoint_id", rec.EndpointID)
	return nil
}

// randomToken returns 128 bits of hex-encoded randomness.
func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
