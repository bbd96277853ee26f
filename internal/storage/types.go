package storage

import (
	"time"

	"pushpress/internal/campaign"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Website struct {
	ID                    string
	Domain                string
	VAPIDPublicKey        string
	VAPIDPrivateKeySealed string
}

type Campaign struct {
	ID            string
	WebsiteID     string
	Title         string
	Body          string
	URL           string
	Icon          string
	Image         string
	TTL           int
	Urgency       string
	SegmentID     string
	Status        campaign.Status
	ScheduledAt   time.Time
	QueuedAt      time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	CanceledAt    time.Time
	TargetedCount int64
	CreatedAt     time.Time
}

type SubscriberStatus string

const (
	SubscriberActive  SubscriberStatus = "active"
	SubscriberExpired SubscriberStatus = "expired"
)

type Subscriber struct {
	ID        string
	WebsiteID string
	Endpoint  string
	P256dhKey string
	AuthKey   string
}

type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventFailed    EventType = "failed"
	EventShown     EventType = "shown"
	EventClick     EventType = "click"
)

// Event is one immutable (campaign, subscriber) fact. Appends are idempotent:
// the (campaign_id, subscriber_id, event_type) uniqueness constraint absorbs
// duplicate recordings under retries.
type Event struct {
	CampaignID     string
	SubscriberID   string
	WebsiteID      string
	Type           EventType
	ErrorCode      string
	ProviderStatus string
}

type WebhookEndpoint struct {
	ID           string
	WebsiteID    string
	URL          string
	Secret       string
	EventFilters []string
}

type Automation struct {
	ID           string
	WebsiteID    string
	Type         string
	FeedURL      string
	LastItemGUID string
}

// CampaignRef identifies a campaign within its tenant.
type CampaignRef struct {
	CampaignID string
	WebsiteID  string
}
