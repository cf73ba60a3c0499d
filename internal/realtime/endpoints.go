package realtime

import (
	"context"
	"fmt"
)

// Endpoint templates the ephemeral accounts reference. They differ only in
// the codec allow-list: the doorphone side is locked to what street hardware
// ships with, the client side also offers opus for the mobile app.
const (
	TemplateDoorphone = "tpl_domophone"
	TemplateClient    = "tpl_client"

	doorphoneAllow = "ulaw,alaw,h264"
	clientAllow    = "ulaw,alaw,opus,h264"

	defaultTransport = "transport-udp"
)

// Disposable endpoint id prefixes. tmp_ accounts answer inbound doorphone
// calls, out_ accounts are minted for client-initiated calls.
const (
	PrefixInbound  = "tmp_"
	PrefixOutgoing = "out_"
)

// EndpointParams describes one ephemeral SIP account. The same id keys the
// AOR, auth and endpoint rows.
type EndpointParams struct {
	ID         string
	Username   string
	Password   string
	Context    string
	TemplateID string
}

// EnsureTemplates upserts the two endpoint template rows. Idempotent; called
// once at startup.
func (s *Store) EnsureTemplates(ctx context.Context) error {
	for _, tpl := range []struct {
		id    string
		allow string
	}{
		{TemplateDoorphone, doorphoneAllow},
		{TemplateClient, clientAllow},
	} {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ps_endpoints (id, transport, disallow, allow, direct_media, force_rport, rewrite_contact, rtp_symmetric)
			 VALUES ($1, $2, 'all', $3, 'no', 'yes', 'yes', 'yes')
			 ON CONFLICT (id) DO UPDATE SET
			   transport = EXCLUDED.transport,
			   allow     = EXCLUDED.allow`,
			tpl.id, defaultTransport, tpl.allow,
		)
		if err != nil {
			return fmt.Errorf("upserting template %s: %w", tpl.id, err)
		}
	}
	return nil
}

// CreateEphemeralEndpoint inserts the AOR, auth and endpoint rows for a
// disposable SIP account. Re-running with the same params updates the
// non-key columns and never creates duplicates.
func (s *Store) CreateEphemeralEndpoint(ctx context.Context, p EndpointParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning endpoint transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ps_aors (id, max_contacts)
		 VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE SET max_contacts = EXCLUDED.max_contacts`,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("upserting aor %s: %w", p.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ps_auths (id, auth_type, username, password)
		 VALUES ($1, 'userpass', $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username,
		   password = EXCLUDED.password`,
		p.ID, p.Username, p.Password,
	)
	if err != nil {
		return fmt.Errorf("upserting auth %s: %w", p.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ps_endpoints (id, transport, aors, auth, context, templates)
		 VALUES ($1, $2, $1, $1, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   transport = EXCLUDED.transport,
		   aors      = EXCLUDED.aors,
		   auth      = EXCLUDED.auth,
		   context   = EXCLUDED.context,
		   templates = EXCLUDED.templates`,
		p.ID, defaultTransport, p.Context, p.TemplateID,
	)
	if err != nil {
		return fmt.Errorf("upserting endpoint %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing endpoint %s: %w", p.ID, err)
	}
	return nil
}

// DeleteEphemeralEndpoint removes the endpoint, auth and AOR rows in that
// order. Safe on an id that no longer exists.
func (s *Store) DeleteEphemeralEndpoint(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM ps_endpoints WHERE id = $1`,
		`DELETE FROM ps_auths WHERE id = $1`,
		`DELETE FROM ps_aors WHERE id = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting endpoint rows for %s: %w", id, err)
		}
	}
	return nil
}

// ListEphemeralEndpoints returns the ids of all disposable endpoint rows,
// for janitor reconciliation. Underscore is a LIKE wildcard, so the prefixes
// are escaped.
func (s *Store) ListEphemeralEndpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ps_endpoints
		 WHERE id LIKE 'tmp\_%' ESCAPE '\' OR id LIKE 'out\_%' ESCAPE '\'`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing ephemeral endpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning endpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordCallOutcome appends a call history row. Outcomes: answered,
// timed_out, rejected, failed.
func (s *Store) RecordCallOutcome(ctx context.Context, callID, endpointID, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, endpoint_id, outcome) VALUES ($1, $2, $3)`,
		callID, endpointID, outcome,
	)
	if err != nil {
		return fmt.Errorf("recording call outcome: %w", err)
	}
	return nil
}
