package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pushpress/internal/campaign"
)

func (s *Store) GetWebsite(ctx context.Context, id string) (Website, bool, error) {
	var w Website
	err := s.db.QueryRowContext(ctx,
		`SELECT id, domain, vapid_public_key, vapid_private_key_sealed
		 FROM websites WHERE id = ?`, id,
	).Scan(&w.ID, &w.Domain, &w.VAPIDPublicKey, &w.VAPIDPrivateKeySealed)
	if errors.Is(err, sql.ErrNoRows) {
		return Website{}, false, nil
	}
	if err != nil {
		return Website{}, false, err
	}
	return w, true, nil
}

func (s *Store) GetCampaign(ctx context.Context, id, websiteID string) (Campaign, bool, error) {
	var (
		c                                 Campaign
		segment                           sql.NullString
		sched, queued, started, completed sql.NullString
		canceled, created                 sql.NullString
		status                            string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, website_id, title, body, url, icon, image, ttl, urgency,
		        segment_id, status, scheduled_at, queued_at, started_at,
		        completed_at, canceled_at, targeted_count, created_at
		 FROM campaigns WHERE id = ? AND website_id = ?`, id, websiteID,
	).Scan(&c.ID, &c.WebsiteID, &c.Title, &c.Body, &c.URL, &c.Icon, &c.Image,
		&c.TTL, &c.Urgency, &segment, &status, &sched, &queued, &started,
		&completed, &canceled, &c.TargetedCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, false, nil
	}
	if err != nil {
		return Campaign{}, false, err
	}
	c.SegmentID = segment.String
	c.Status = campaign.Status(status)
	c.ScheduledAt = parseTime(sched)
	c.QueuedAt = parseTime(queued)
	c.StartedAt = parseTime(started)
	c.CompletedAt = parseTime(completed)
	c.CanceledAt = parseTime(canceled)
	c.CreatedAt = parseTime(created)
	return c, true, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = campaign.StatusDraft
	}
	if c.TTL <= 0 {
		c.TTL = 86400
	}
	if c.Urgency == "" {
		c.Urgency = "normal"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, website_id, title, body, url, icon, image, ttl,
		                       urgency, segment_id, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WebsiteID, c.Title, c.Body, c.URL, c.Icon, c.Image, c.TTL,
		c.Urgency, nullStr(c.SegmentID), string(c.Status), formatTime(time.Now()),
	)
	return err
}

// CampaignStatus is the cheap re-read used at batch boundaries.
func (s *Store) CampaignStatus(ctx context.Context, id string) (campaign.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return campaign.Status(status), true, nil
}

// TransitionCampaign conditionally moves a campaign to the target status,
// stamping the matching lifecycle timestamp. It reports whether the update
// applied; a false return means the campaign was not in any of the allowed
// prior states (somebody else won the race, or the edge is illegal).
func (s *Store) TransitionCampaign(ctx context.Context, id string, from []campaign.Status, to campaign.Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one allowed prior state")
	}

	var stamp string
	switch to {
	case campaign.StatusQueued:
		stamp = "queued_at"
	case campaign.StatusSending:
		stamp = "started_at"
	case campaign.StatusCancelRequested:
		stamp = "canceled_at"
	case campaign.StatusCompleted, campaign.StatusCanceled, campaign.StatusFailed:
		stamp = "completed_at"
	}

	set := "status = ?"
	if stamp != "" {
		set += ", " + stamp + " = ?"
	}
	args := []any{string(to)}
	if stamp != "" {
		args = append(args, formatTime(time.Now()))
	}
	args = append(args, id)

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	q := fmt.Sprintf(`UPDATE campaigns SET %s WHERE id = ? AND status IN (%s)`,
		set, strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteCampaign finalizes a send: sending -> completed, stamping the final
// targeted count from the snapshot.
func (s *Store) CompleteCampaign(ctx context.Context, id string, targeted int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, completed_at = ?, targeted_count = ?
		 WHERE id = ? AND status = ?`,
		string(campaign.StatusCompleted), formatTime(time.Now()), targeted,
		id, string(campaign.StatusSending),
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

// CreateSnapshot captures the targeting population and segment rules at
// send-start. Idempotent per campaign: a re-run (watchdog re-queue) keeps the
// original snapshot and returns its targeted count.
func (s *Store) CreateSnapshot(ctx context.Context, campaignID, websiteID string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_snapshots (id, campaign_id, website_id, targeted_count, rules_snapshot, created_at)
		 SELECT ?, ?, ?,
		        (SELECT COUNT(*) FROM subscribers WHERE website_id = ? AND status = 'active'),
		        COALESCE((SELECT rules_json FROM segments WHERE id =
		                  (SELECT segment_id FROM campaigns WHERE id = ?)), '{}'),
		        ?
		 WHERE true
		 ON CONFLICT(campaign_id) DO NOTHING`,
		uuid.NewString(), campaignID, websiteID, websiteID, campaignID, formatTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}

	var targeted int64
	err = s.db.QueryRowContext(ctx,
		`SELECT targeted_count FROM campaign_snapshots WHERE campaign_id = ?`, campaignID,
	).Scan(&targeted)
	if err != nil {
		return 0, err
	}
	return targeted, nil
}

// SnapshotTargetedCount returns the immutable targeted count captured at
// send-start, if a snapshot exists.
func (s *Store) SnapshotTargetedCount(ctx context.Context, campaignID string) (int64, bool, error) {
	var targeted int64
	err := s.db.QueryRowContext(ctx,
		`SELECT targeted_count FROM campaign_snapshots WHERE campaign_id = ?`, campaignID,
	).Scan(&targeted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return targeted, true, nil
}

// StalledSending lists campaigns stuck in "sending" since before the cutoff.
// A worker crash mid-send leaves campaigns here; the watchdog re-queues them.
func (s *Store) StalledSending(ctx context.Context, cutoff time.Time) ([]CampaignRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, website_id FROM campaigns
		 WHERE status = ? AND started_at < ?`,
		string(campaign.StatusSending), formatTime(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CampaignRef
	for rows.Next() {
		var ref CampaignRef
		if err := rows.Scan(&ref.CampaignID, &ref.WebsiteID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// RequeueStalled conditionally moves one stalled campaign back to "queued".
// The started_at guard keeps it from racing a send that resumed in the
// meantime.
func (s *Store) RequeueStalled(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, queued_at = ?
		 WHERE id = ? AND status = ? AND started_at < ?`,
		string(campaign.StatusQueued), formatTime(time.Now()),
		id, string(campaign.StatusSending), formatTime(cutoff),
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
