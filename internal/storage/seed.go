package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provisioning writes. The API layer owns tenant CRUD; these cover what the
// core and its tests need to stand up a tenant.

func (s *Store) CreateWebsite(ctx context.Context, w Website) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO websites(id, domain, vapid_public_key, vapid_private_key_sealed, created_at)
		 VALUES(?,?,?,?,?)`,
		w.ID, w.Domain, w.VAPIDPublicKey, w.VAPIDPrivateKeySealed, formatTime(time.Now()),
	)
	return err
}

func (s *Store) CreateWebhookEndpoint(ctx context.Context, ep WebhookEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	filters, err := json.Marshal(ep.EventFilters)
	if err != nil {
		return err
	}
	if ep.EventFilters == nil {
		filters = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints(id, website_id, url, secret, event_filters, status)
		 VALUES(?,?,?,?,?,'active')`,
		ep.ID, ep.WebsiteID, ep.URL, ep.Secret, string(filters),
	)
	return err
}

func (s *Store) CreateAutomation(ctx context.Context, a Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Type == "" {
		a.Type = "rss"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automations(id, website_id, type, feed_url, status, last_item_guid)
		 VALUES(?,?,?,?,'active',?)`,
		a.ID, a.WebsiteID, a.Type, a.FeedURL, a.LastItemGUID,
	)
	return err
}
