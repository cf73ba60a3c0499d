package realtime

import (
	"context"
	"fmt"
)

// PushTarget is one registered device for a user.
type PushTarget struct {
	Token    string
	Platform string
	DeviceID string
}

// EnsureUser creates the user row if it does not exist.
func (s *Store) EnsureUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", id, err)
	}
	return nil
}

// SavePushToken registers a device push token for a user. Re-registering the
// same (user, token) pair updates the platform and device columns.
func (s *Store) SavePushToken(ctx context.Context, userID, token, platform, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tokens (user_id, token, platform, device_id, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, token) DO UPDATE SET
		   platform   = EXCLUDED.platform,
		   device_id  = EXCLUDED.device_id,
		   updated_at = NOW()`,
		userID, token, platform, deviceID,
	)
	if err != nil {
		return fmt.Errorf("saving push token: %w", err)
	}
	return nil
}

// ListPushTokens returns all registered devices for a user, most recently
// refreshed first.
func (s *Store) ListPushTokens(ctx context.Context, userID string) ([]PushTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, platform, COALESCE(device_id, '')
		 FROM push_tokens WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing push tokens: %w", err)
	}
	defer rows.Close()

	var targets []PushTarget
	for rows.Next() {
		var t PushTarget
		if err := rows.Scan(&t.Token, &t.Platform, &t.DeviceID); err != nil {
			return nil, fmt.Errorf("scanning push token row: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
