package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListActiveSubscribers pages through a tenant's active subscribers in stable
// id order so offset pagination during a send is deterministic and resumable.
func (s *Store) ListActiveSubscribers(ctx context.Context, websiteID string, limit, offset int) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, website_id, endpoint, p256dh_key, auth_key
		 FROM subscribers
		 WHERE website_id = ? AND status = ?
		 ORDER BY id
		 LIMIT ? OFFSET ?`,
		websiteID, string(SubscriberActive), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ID, &sub.WebsiteID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveSubscribers(ctx context.Context, websiteID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE website_id = ? AND status = ?`,
		websiteID, string(SubscriberActive),
	).Scan(&n)
	return n, err
}

// ExpireSubscriber soft-retires an endpoint the push provider reported gone.
// Rows are never hard-deleted; the soft lifecycle keeps opt-in dedup working.
func (s *Store) ExpireSubscriber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = ? WHERE id = ?`,
		string(SubscriberExpired), id,
	)
	return err
}

// CreateSubscriber registers an opt-in. Duplicate (website, endpoint) pairs
// are absorbed by the unique index.
func (s *Store) CreateSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, website_id, endpoint, p256dh_key, auth_key, status, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(website_id, endpoint) DO NOTHING`,
		sub.ID, sub.WebsiteID, sub.Endpoint, sub.P256dhKey, sub.AuthKey,
		string(SubscriberActive), formatTime(time.Now()),
	)
	return err
}

// TouchLastVisit records site activity used by the presence rollup.
func (s *Store) TouchLastVisit(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_site_visit = ? WHERE id = ?`,
		formatTime(at), id,
	)
	return err
}

func (s *Store) SubscriberStatus(ctx context.Context, id string) (SubscriberStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM subscribers WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", err
	}
	return SubscriberStatus(status), nil
}
