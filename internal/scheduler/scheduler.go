// Package scheduler seeds the recurring maintenance jobs and runs the stall
// watchdog that rescues campaigns orphaned by a mid-send crash.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pushpress/internal/analytics"
	"pushpress/internal/delivery"
	"pushpress/internal/feeds"
	"pushpress/internal/queue"
	"pushpress/internal/storage"
	logx "pushpress/pkg/logx"
)

const (
	QueueName = "scheduler"

	jobRollup         = "nightly-rollup"
	jobFeedLoop       = "poll-feed-loop"
	jobRequeueStalled = "requeue-stalled"

	rollupCron    = "0 2 * * *"
	feedLoopEvery = 5 * time.Minute
	watchdogEvery = 5 * time.Minute

	defaultStalledAfter = 30 * time.Minute
)

type Scheduler struct {
	queue        *queue.Service
	store        *storage.Store
	delivery     *delivery.Service
	rollup       *analytics.Rollup
	poller       *feeds.Poller
	stalledAfter time.Duration
	parser       cron.Parser
	log          logx.Logger
}

func New(q *queue.Service, store *storage.Store, d *delivery.Service,
	rollup *analytics.Rollup, poller *feeds.Poller, stalledAfter time.Duration, log logx.Logger) *Scheduler {
	if stalledAfter <= 0 {
		stalledAfter = defaultStalledAfter
	}
	return &Scheduler{
		queue:        q,
		store:        store,
		delivery:     d,
		rollup:       rollup,
		poller:       poller,
		stalledAfter: stalledAfter,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		log:          log,
	}
}

// Register attaches the scheduler worker and seeds the repeat jobs. Seeding
// is idempotent: each job carries its name as unique key, so restarts reuse
// the live row.
func (s *Scheduler) Register(ctx context.Context, concurrency int) error {
	if err := s.queue.RegisterWorker(QueueName, concurrency, s.dispatch); err != nil {
		return err
	}

	// Align the nightly job to its next cron occurrence instead of firing
	// once at startup.
	sched, err := s.parser.Parse(rollupCron)
	if err != nil {
		return fmt.Errorf("rollup cron: %w", err)
	}
	now := time.Now()

	seeds := []struct {
		name string
		opt  queue.Options
	}{
		{jobRollup, queue.Options{
			UniqueKey: jobRollup,
			Delay:     sched.Next(now).Sub(now),
			Repeat:    &queue.Repeat{Cron: rollupCron},
		}},
		{jobFeedLoop, queue.Options{
			UniqueKey: jobFeedLoop,
			Repeat:    &queue.Repeat{Every: feedLoopEvery},
		}},
		{jobRequeueStalled, queue.Options{
			UniqueKey: jobRequeueStalled,
			Repeat:    &queue.Repeat{Every: watchdogEvery},
		}},
	}
	for _, seed := range seeds {
		if _, err := s.queue.Enqueue(ctx, QueueName, seed.name, nil, seed.opt); err != nil {
			return fmt.Errorf("seed %s: %w", seed.name, err)
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case jobRollup:
		return s.rollup.Handle(ctx, job)
	case jobFeedLoop:
		return s.poller.HandleLoop(ctx, job)
	case jobRequeueStalled:
		return s.HandleRequeueStalled(ctx, job)
	default:
		return queue.Permanent(fmt.Errorf("unknown scheduler job %q", job.Name))
	}
}

// HandleRequeueStalled moves campaigns stuck in sending past the threshold
// back to queued and re-enqueues their send jobs. Safe against the owning
// worker resuming: the store update is guarded by the stale started_at, and
// per-subscriber event writes are idempotent.
func (s *Scheduler) HandleRequeueStalled(ctx context.Context, _ *queue.Job) error {
	cutoff := time.Now().Add(-s.stalledAfter)
	stalled, err := s.store.StalledSending(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, ref := range stalled {
		moved, err := s.store.RequeueStalled(ctx, ref.CampaignID, cutoff)
		if err != nil {
			return err
		}
		if !moved {
			continue
		}
		if err := s.delivery.EnqueueRequeued(ctx, ref); err != nil {
			return err
		}
		s.log.Warn("stalled campaign requeued",
			logx.String("campaign", ref.CampaignID), logx.String("site", ref.WebsiteID))
	}
	return nil
}
