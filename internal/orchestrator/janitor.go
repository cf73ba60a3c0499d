package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/intercomd/intercomd/internal/realtime"
	"github.com/intercomd/intercomd/internal/session"
)

// Janitor intervals. The sweep removes realtime rows whose session records
// have expired; the retry loop is the fallback trigger for originates whose
// registration event was missed.
const (
	SweepInterval = 60 * time.Second
	RetryInterval = 2 * time.Second
)

// StartJanitor runs the reconciliation loops until ctx is cancelled.
func (o *Orchestrator) StartJanitor(ctx context.Context, sweepEvery, retryEvery time.Duration) {
	go o.runLoop(ctx, sweepEvery, "endpoint sweep", o.SweepStaleEndpoints)
	go o.runLoop(ctx, retryEvery, "originate retry", o.RetryPendingOriginates)
}

func (o *Orchestrator) runLoop(ctx context.Context, every time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	slog.Info("janitor loop started", "loop", name, "interval", every)
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor loop stopped", "loop", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				slog.Error("janitor pass failed", "loop", name, "error", err)
			}
		}
	}
}

// SweepStaleEndpoints deletes realtime endpoint rows whose backing session
// records have expired. Per-endpoint failures are logged and the sweep
// continues; the next pass retries.
func (o *Orchestrator) SweepStaleEndpoints(ctx context.Context) error {
	ids, err := o.directory.ListEphemeralEndpoints(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		stale, err := o.isStale(ctx, id)
		if err != nil {
			slog.Warn("checking endpoint liveness failed", "endpoint_id", id, "error", err)
			continue
		}
		if !stale {
			continue
		}
		if err := o.directory.DeleteEphemeralEndpoint(ctx, id); err != nil {
			slog.Warn("deleting stale endpoint failed", "endpoint_id", id, "error", err)
			continue
		}
		slog.Info("stale endpoint removed", "endpoint_id", id)
	}
	return nil
}

// isStale reports whether an ephemeral endpoint has no live session backing
// it. The endpoint index record and the record it points at must both exist.
func (o *Orchestrator) isStale(ctx context.Context, id string) (bool, error) {
	ep, err := o.sessions.GetEndpoint(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch ep.Kind {
	case session.EndpointKindOutgoing:
		_, err = o.sessions.GetOutgoing(ctx, ep.Token)
	default:
		_, err = o.sessions.GetCall(ctx, ep.Token)
	}
	if errors.Is(err, session.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RetryPendingOriginates attempts every outstanding originate lease. This
// backs up the event-driven path: registrations that raced the lease write,
// or whose state-change event was lost, still get their client leg within
// one interval. The lease delete on success keeps the two paths from both
// originating.
func (o *Orchestrator) RetryPendingOriginates(ctx context.Context) error {
	ids, err := o.directory.ListEphemeralEndpoints(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if !strings.HasPrefix(id, realtime.PrefixInbound) {
			continue
		}
		pending, err := o.sessions.GetPendingOriginate(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("reading originate lease failed", "endpoint_id", id, "error", err)
			continue
		}
		if err := o.tryOriginate(ctx, id, pending); err != nil {
			slog.Debug("originate retry failed", "endpoint_id", id, "error", err)
		}
	}
	return nil
}
