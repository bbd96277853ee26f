package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendEvent records one (campaign, subscriber) outcome. The uniqueness
// constraint on (campaign_id, subscriber_id, event_type) makes appends
// idempotent under retries; it reports whether a new row was stored.
func (s *Store) AppendEvent(ctx context.Context, e Event) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_events(id, campaign_id, subscriber_id, website_id,
		                             event_type, event_timestamp, error_code, provider_status)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(campaign_id, subscriber_id, event_type) DO NOTHING`,
		uuid.NewString(), e.CampaignID, e.SubscriberID, e.WebsiteID,
		string(e.Type), formatTime(time.Now()), nullStr(e.ErrorCode), nullStr(e.ProviderStatus),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EventCounts aggregates a campaign's events by type, which is all tenants
// ever see of per-subscriber outcomes.
func (s *Store) EventCounts(ctx context.Context, campaignID string) (map[EventType]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM campaign_events
		 WHERE campaign_id = ? GROUP BY event_type`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[EventType]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[EventType(t)] = n
	}
	return out, rows.Err()
}
