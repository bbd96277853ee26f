package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis,omitempty"`
	Queue   QueueConfig   `json:"queue"`
	Push    PushConfig    `json:"push"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig points at the SQLite database file holding both the domain
// tables and the durable job queue.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6379"
	DB      int    `json:"db,omitempty"`
}

// QueueConfig controls worker pools per named queue.
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - push_workers: 5
//   - webhook_workers: 10
//   - analytics_workers: 1
//   - feed_workers: 2
//   - poll_interval: "250ms"
//   - stalled_after: "30m"
type QueueConfig struct {
	PushWorkers      int    `json:"push_workers,omitempty"`
	WebhookWorkers   int    `json:"webhook_workers,omitempty"`
	AnalyticsWorkers int    `json:"analytics_workers,omitempty"`
	FeedWorkers      int    `json:"feed_workers,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`

	// StalledAfter is how long a campaign may sit in "sending" before the
	// watchdog re-queues it (crash recovery).
	StalledAfter string `json:"stalled_after,omitempty"`
}

// PushConfig controls the web-push transport.
type PushConfig struct {
	// Contact is the VAPID subject, e.g. "mailto:ops@pushpress.dev".
	Contact string `json:"contact,omitempty"`

	// MasterKey seals per-tenant VAPID private keys at rest. Prefer setting
	// this via the PUSHPRESS_MASTER_KEY environment variable (.env supported);
	// the env var wins over the config file.
	MasterKey string `json:"master_key,omitempty"`

	// RatePerSec caps outbound push requests per second (0 = unlimited).
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // per-request HTTP timeout
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}
