package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

func (s *Store) ListActiveWebhookEndpoints(ctx context.Context, websiteID string) ([]WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, website_id, url, secret, event_filters
		 FROM webhook_endpoints
		 WHERE website_id = ? AND status = 'active'`, websiteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookEndpoint
	for rows.Next() {
		var (
			ep      WebhookEndpoint
			filters string
		)
		if err := rows.Scan(&ep.ID, &ep.WebsiteID, &ep.URL, &ep.Secret, &filters); err != nil {
			return nil, err
		}
		// A malformed filter list falls back to "deliver everything" rather
		// than dropping events.
		_ = json.Unmarshal([]byte(filters), &ep.EventFilters)
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveFeedAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, website_id, type, feed_url, last_item_guid
		 FROM automations
		 WHERE type = 'rss' AND status = 'active'`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		var a Automation
		if err := rows.Scan(&a.ID, &a.WebsiteID, &a.Type, &a.FeedURL, &a.LastItemGUID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAutomation(ctx context.Context, id string) (Automation, bool, error) {
	var a Automation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, website_id, type, feed_url, last_item_guid
		 FROM automations WHERE id = ?`, id,
	).Scan(&a.ID, &a.WebsiteID, &a.Type, &a.FeedURL, &a.LastItemGUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Automation{}, false, nil
	}
	if err != nil {
		return Automation{}, false, err
	}
	return a, true, nil
}

func (s *Store) SetAutomationLastItem(ctx context.Context, id, guid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_item_guid = ? WHERE id = ?`, guid, id,
	)
	return err
}

// CTRBucket is one hour's raw click/shown tallies for a tenant.
type CTRBucket struct {
	Clicks int64
	Shown  int64
}

// HourlyCTR tallies clicks and shows per (website, hour-of-day) over events
// newer than since. The rollup worker turns these into CTR ratios.
func (s *Store) HourlyCTR(ctx context.Context, since time.Time) (map[string]map[string]CTRBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT website_id, strftime('%H', event_timestamp) AS hour_label,
		        SUM(CASE WHEN event_type = 'click' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN event_type = 'shown' THEN 1 ELSE 0 END)
		 FROM campaign_events
		 WHERE event_timestamp > ?
		 GROUP BY website_id, hour_label`,
		formatTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]CTRBucket)
	for rows.Next() {
		var (
			site, hour string
			b          CTRBucket
		)
		if err := rows.Scan(&site, &hour, &b.Clicks, &b.Shown); err != nil {
			return nil, err
		}
		if out[site] == nil {
			out[site] = make(map[string]CTRBucket)
		}
		out[site][hour] = b
	}
	return out, rows.Err()
}

func (s *Store) UpsertAnalyticsCache(ctx context.Context, websiteID, metricKey, metricJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analytics_cache(website_id, metric_key, metric_value, calculated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(website_id, metric_key) DO UPDATE SET
		   metric_value = excluded.metric_value,
		   calculated_at = excluded.calculated_at`,
		websiteID, metricKey, metricJSON, formatTime(time.Now()),
	)
	return err
}

// ReclassifyPresence recomputes every subscriber's presence class from
// last-visit recency. Batch recompute, idempotent; subscribers with no
// recorded visit classify cold.
func (s *Store) ReclassifyPresence(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET presence_class = CASE
		   WHEN last_site_visit >= ? THEN 'active'
		   WHEN last_site_visit >= ? THEN 'warm'
		   ELSE 'cold'
		 END`,
		formatTime(now.Add(-7*24*time.Hour)),
		formatTime(now.Add(-30*24*time.Hour)),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PresenceClass reads one subscriber's classification (rollup verification).
func (s *Store) PresenceClass(ctx context.Context, id string) (string, error) {
	var class string
	err := s.db.QueryRowContext(ctx,
		`SELECT presence_class FROM subscribers WHERE id = ?`, id,
	).Scan(&class)
	return class, err
}
