// Package app assembles the process: config, logging, storage, the job queue
// and its workers, the recurring scheduler and the ops endpoint.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pushpress/internal/analytics"
	"pushpress/internal/config"
	"pushpress/internal/delivery"
	"pushpress/internal/feeds"
	"pushpress/internal/metrics"
	"pushpress/internal/ops"
	"pushpress/internal/queue"
	"pushpress/internal/scheduler"
	"pushpress/internal/secrets"
	"pushpress/internal/storage"
	"pushpress/internal/webhook"
	"pushpress/internal/webpush"
	logx "pushpress/pkg/logx"
)

const (
	defaultPushWorkers      = 5
	defaultWebhookWorkers   = 10
	defaultAnalyticsWorkers = 1
	defaultFeedWorkers      = 2
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store *storage.Store
	redis *redis.Client
	queue *queue.Service
	sched *scheduler.Scheduler
	ops   *ops.Server

	analyticsWorkers int

	cfgCh       chan *config.Config
	watchCancel context.CancelFunc
}

func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	pollInterval, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 250*time.Millisecond)
	if err != nil {
		return err
	}
	stalledAfter, err := config.ParseDurationOrDefault("queue.stalled_after", cfg.Queue.StalledAfter, 30*time.Minute)
	if err != nil {
		return err
	}
	pushTimeout, err := config.ParseDurationField("push.timeout", cfg.Push.Timeout)
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	if cfg.Redis.Enabled {
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		a.redis = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
	}

	q, err := queue.New(store.DB(), a.log.With(logx.String("comp", "queue")),
		queue.WithPollInterval(pollInterval))
	if err != nil {
		return err
	}
	a.queue = q

	metrics.Init()

	box, err := secrets.New(cfg.Push.MasterKey)
	if err != nil {
		return fmt.Errorf("push.master_key: %w", err)
	}
	push := webpush.NewClient(webpush.Config{
		Contact:    cfg.Push.Contact,
		Timeout:    pushTimeout,
		RatePerSec: cfg.Push.RatePerSec,
	}, a.log.With(logx.String("comp", "webpush")))

	hooks := webhook.NewEmitter(store, q, a.log.With(logx.String("comp", "webhook")))
	sender := delivery.NewService(store, push, box, hooks, q,
		a.log.With(logx.String("comp", "delivery")))
	rollup := analytics.NewRollup(store, a.redis, a.log.With(logx.String("comp", "analytics")))
	poller := feeds.NewPoller(store, sender, q, a.log.With(logx.String("comp", "feeds")))

	pushWorkers := workers(cfg.Queue.PushWorkers, defaultPushWorkers)
	webhookWorkers := workers(cfg.Queue.WebhookWorkers, defaultWebhookWorkers)
	feedWorkers := workers(cfg.Queue.FeedWorkers, defaultFeedWorkers)
	a.analyticsWorkers = workers(cfg.Queue.AnalyticsWorkers, defaultAnalyticsWorkers)

	if err := q.RegisterWorker(delivery.QueueName, pushWorkers, sender.HandleSend); err != nil {
		return err
	}
	whWorker := webhook.NewWorker(a.log.With(logx.String("comp", "webhook")))
	if err := q.RegisterWorker(webhook.QueueName, webhookWorkers, whWorker.Handle); err != nil {
		return err
	}
	if err := q.RegisterWorker(feeds.QueueName, feedWorkers, poller.HandlePoll); err != nil {
		return err
	}

	a.sched = scheduler.New(q, store, sender, rollup, poller, stalledAfter,
		a.log.With(logx.String("comp", "scheduler")))

	if cfg.Ops.Enabled {
		a.ops = ops.NewServer(cfg.Ops.Addr, store, q, a.log.With(logx.String("comp", "ops")))
	}
	return nil
}

func logConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig(l.File),
	}
}

func workers(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Register(ctx, a.analyticsWorkers); err != nil {
		return err
	}
	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	if a.ops != nil {
		a.ops.Start()
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	// Hot-apply logging changes on config reload. Worker pools and storage
	// keep their boot-time settings until restart.
	a.cfgCh = a.cfgMgr.Subscribe(4)
	go func() {
		for cfg := range a.cfgCh {
			a.logSvc.Apply(logConfig(cfg.Logging))
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}()

	a.log.Info("pushpress started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	if a.ops != nil {
		if err := a.ops.Stop(ctx); err != nil {
			a.log.Warn("ops shutdown", logx.Err(err))
		}
	}
	a.queue.Stop(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("pushpress stopped")
	_ = a.logSvc.Close()
}
