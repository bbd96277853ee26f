// Package metrics registers the process-wide prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpress_jobs_processed_total",
			Help: "Jobs finished per queue and result (completed|retried|failed)",
		},
		[]string{"queue", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushpress_job_duration_seconds",
			Help:    "Job handler execution time per queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	PushSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpress_push_sends_total",
			Help: "Web-push delivery attempts by outcome (ok|gone|transient)",
		},
		[]string{"outcome"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpress_webhook_deliveries_total",
			Help: "Webhook POST attempts by result (ok|failed)",
		},
		[]string{"result"},
	)

	CampaignsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpress_campaigns_finished_total",
			Help: "Campaign sends reaching a terminal status (completed|canceled|failed)",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(JobsProcessed, JobDuration, PushSends, WebhookDeliveries, CampaignsFinished)
}
