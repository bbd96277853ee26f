// Package analytics implements the nightly rollup: per-tenant CTR-by-hour
// aggregates cached for dashboard reads, plus subscriber presence
// reclassification.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

const (
	metricCTRByHour = "ctr_by_hour"

	// window is how far back the CTR aggregate looks.
	window = 30 * 24 * time.Hour

	// mirrorTTL keeps the redis copy alive across two missed rollups.
	mirrorTTL = 48 * time.Hour
)

// ctrMetric is the cached JSON shape.
type ctrMetric struct {
	CTRByHour    map[string]float64 `json:"ctrByHour"`
	CalculatedAt string             `json:"calculatedAt"`
}

type Rollup struct {
	store *storage.Store
	redis *redis.Client // optional read-side mirror, nil disables it
	log   logx.Logger
	now   func() time.Time
}

func NewRollup(store *storage.Store, rdb *redis.Client, log logx.Logger) *Rollup {
	return &Rollup{store: store, redis: rdb, log: log, now: time.Now}
}

// Handle runs one rollup pass. Both halves are idempotent recomputes, so a
// retried or doubled run converges on the same caches.
func (r *Rollup) Handle(ctx context.Context, _ *queue.Job) error {
	now := r.now()

	buckets, err := r.store.HourlyCTR(ctx, now.Add(-window))
	if err != nil {
		return err
	}
	for site, hours := range buckets {
		metric := ctrMetric{
			CTRByHour:    make(map[string]float64, len(hours)),
			CalculatedAt: now.UTC().Format(time.RFC3339),
		}
		for hour, b := range hours {
			if b.Shown > 0 {
				metric.CTRByHour[hour] = float64(b.Clicks) / float64(b.Shown)
			} else {
				metric.CTRByHour[hour] = 0
			}
		}
		payload, err := json.Marshal(metric)
		if err != nil {
			return err
		}
		if err := r.store.UpsertAnalyticsCache(ctx, site, metricCTRByHour, string(payload)); err != nil {
			return err
		}
		r.mirror(ctx, site, payload)
	}

	reclassified, err := r.store.ReclassifyPresence(ctx, now)
	if err != nil {
		return err
	}
	r.log.Info("analytics rollup finished",
		logx.Int("sites", len(buckets)), logx.Int64("reclassified", reclassified))
	return nil
}

// mirror copies the cache row into redis for cheap dashboard reads. The
// sqlite row stays authoritative; mirror failures only log.
func (r *Rollup) mirror(ctx context.Context, site string, payload []byte) {
	if r.redis == nil {
		return
	}
	key := "analytics:" + site + ":" + metricCTRByHour
	if err := r.redis.Set(ctx, key, payload, mirrorTTL).Err(); err != nil {
		r.log.Warn("analytics mirror write failed", logx.String("site", site), logx.Err(err))
	}
}
