// Package queue is a durable, SQLite-backed work queue.
//
// Jobs live in a single jobs table shared with the domain store's database.
// Enqueue supports delayed runs, unique-key dedup, per-job retry policies and
// repeat schedules; workers claim jobs with a conditional pending->active
// update, so any number of consumers can share one queue safely. There is no
// FIFO guarantee across jobs, only "at most N in flight" per queue.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "pushpress/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	stateP = "pending"
	stateA = "active"
	stateF = "failed"

	defaultPollInterval = 250 * time.Millisecond
	maxBackoffDelay     = time.Hour
)

type registration struct {
	queue       string
	concurrency int
	handler     Handler
}

type Service struct {
	db     *sql.DB
	log    logx.Logger
	parser cron.Parser

	pollInterval time.Duration

	mu      sync.Mutex
	regs    []registration
	kicks   map[string]chan struct{}
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

type Option func(*Service)

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New prepares the queue on db (creating the jobs table if needed).
func New(db *sql.DB, log logx.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		db:           db,
		log:          log,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pollInterval: defaultPollInterval,
		kicks:        make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		return nil, fmt.Errorf("queue schema: %w", err)
	}
	return s, nil
}

// Enqueue accepts work for a named queue. A unique-key collision with a
// pending or active job is a no-op returning the existing job's handle.
func (s *Service) Enqueue(ctx context.Context, queueName, jobName string, payload []byte, opt Options) (Handle, error) {
	queueName = strings.TrimSpace(queueName)
	jobName = strings.TrimSpace(jobName)
	if queueName == "" || jobName == "" {
		return Handle{}, errors.New("queue and job name are required")
	}
	if opt.Repeat != nil {
		if opt.Repeat.Cron == "" && opt.Repeat.Every <= 0 {
			return Handle{}, errors.New("repeat requires a cron spec or an interval")
		}
		if opt.Repeat.Cron != "" {
			if _, err := s.parser.Parse(opt.Repeat.Cron); err != nil {
				return Handle{}, fmt.Errorf("invalid repeat cron %q: %w", opt.Repeat.Cron, err)
			}
		}
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	maxAttempts := opt.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := opt.Retry.Backoff
	if backoff == "" {
		backoff = BackoffExponential
	}
	base := opt.Retry.Base
	if base <= 0 {
		base = time.Second
	}

	var repeatCron string
	var repeatEveryMS int64
	if opt.Repeat != nil {
		repeatCron = opt.Repeat.Cron
		repeatEveryMS = opt.Repeat.Every.Milliseconds()
	}

	now := time.Now()
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, queue, name, payload, unique_key, state, attempts,
		                  max_attempts, backoff_kind, backoff_base_ms,
		                  repeat_cron, repeat_every_ms, run_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,0,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		id, queueName, jobName, string(payload), nullStr(opt.UniqueKey), stateP,
		maxAttempts, string(backoff), base.Milliseconds(),
		repeatCron, repeatEveryMS,
		now.Add(opt.Delay).UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Handle{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, err
	}
	if n == 0 {
		// Unique-key collision: hand back the live job.
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE queue = ? AND unique_key = ? AND state IN (?, ?)`,
			queueName, opt.UniqueKey, stateP, stateA,
		).Scan(&existingID)
		if errors.Is(err, sql.ErrNoRows) {
			// The colliding job finished between insert and lookup; the next
			// enqueue will land. Report the collision as-is.
			return Handle{Queue: queueName, Existing: true}, nil
		}
		if err != nil {
			return Handle{}, err
		}
		return Handle{ID: existingID, Queue: queueName, Existing: true}, nil
	}

	s.kick(queueName)
	return Handle{ID: id, Queue: queueName}, nil
}

// RegisterWorker attaches a handler pool to a queue. Must be called before
// Start.
func (s *Service) RegisterWorker(queueName string, concurrency int, h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("queue: workers must be registered before Start")
	}
	s.regs = append(s.regs, registration{queue: queueName, concurrency: concurrency, handler: h})
	if s.kicks[queueName] == nil {
		s.kicks[queueName] = make(chan struct{}, 1)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	regs := s.regs
	s.mu.Unlock()

	// Jobs left active by a crashed process can never finish; make them
	// claimable again. Safe at startup: nothing is running yet.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		stateP, time.Now().UnixMilli(), stateA,
	); err != nil {
		return fmt.Errorf("requeue orphaned jobs: %w", err)
	}

	for _, reg := range regs {
		for i := 0; i < reg.concurrency; i++ {
			s.wg.Add(1)
			go func(reg registration, idx int) {
				defer s.wg.Done()
				s.worker(ctx, stopCh, reg, idx)
			}(reg, i)
		}
		s.log.Info("queue workers started",
			logx.String("queue", reg.queue), logx.Int("concurrency", reg.concurrency))
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("queue stopped")
	case <-ctx.Done():
		s.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
	}
}

// FailedJobs lists jobs whose attempts are exhausted, newest first.
func (s *Service) FailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, name, attempts, COALESCE(last_error, ''), updated_at
		 FROM jobs WHERE state = ? ORDER BY updated_at DESC LIMIT ?`,
		stateF, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedJob
	for rows.Next() {
		var (
			j  FailedJob
			ms int64
		)
		if err := rows.Scan(&j.ID, &j.Queue, &j.Name, &j.Attempts, &j.LastError, &ms); err != nil {
			return nil, err
		}
		j.FailedAt = time.UnixMilli(ms)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Depth counts pending jobs, optionally for one queue ("" = all).
func (s *Service) Depth(ctx context.Context, queueName string) (int64, error) {
	var n int64
	var err error
	if queueName == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE state = ?`, stateP).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE state = ? AND queue = ?`, stateP, queueName).Scan(&n)
	}
	return n, err
}

func (s *Service) kick(queueName string) {
	s.mu.Lock()
	ch := s.kicks[queueName]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
