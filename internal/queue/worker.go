package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"pushpress/internal/metrics"
	logx "pushpress/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, reg registration, idx int) {
	s.mu.Lock()
	kick := s.kicks[reg.queue]
	s.mu.Unlock()

	log := s.log.With(logx.String("queue", reg.queue), logx.Int("worker", idx))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// Fast-exit check so a closed stopCh wins over claimable work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		job, claimed, err := s.claim(ctx, reg.queue)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("job claim failed", logx.Err(err))
			}
		} else if claimed {
			s.execOne(ctx, log, reg, job)
			// Drain: look for more work before sleeping.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}

// claim flips one due pending job to active. The conditional update inside
// the transaction is the mutual-exclusion gate between concurrent workers.
func (s *Service) claim(ctx context.Context, queueName string) (*Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var (
		j         Job
		payload   string
		attempts  int
		uniqueKey sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, payload, attempts, max_attempts, unique_key
		 FROM jobs
		 WHERE queue = ? AND state = ? AND run_at <= ?
		 ORDER BY run_at
		 LIMIT 1`,
		queueName, stateP, now,
	).Scan(&j.ID, &j.Name, &payload, &attempts, &j.MaxAttempts, &uniqueKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		stateA, now, now, j.ID, stateP,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n != 1 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	j.Queue = queueName
	j.Payload = []byte(payload)
	j.Attempt = attempts + 1
	j.UniqueKey = uniqueKey.String
	return &j, true, nil
}

func (s *Service) execOne(ctx context.Context, log logx.Logger, reg registration, job *Job) {
	start := time.Now()

	var err error
	// Guard against handler panics: convert to error so one bad job can't
	// kill a worker goroutine.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panic", logx.String("job", job.Name), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		err = reg.handler(ctx, job)
	}()

	dur := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Queue).Observe(dur.Seconds())

	if err == nil {
		s.finishOK(ctx, log, job, dur)
		return
	}
	s.finishErr(ctx, log, job, err, dur)
}

func (s *Service) finishOK(ctx context.Context, log logx.Logger, job *Job, dur time.Duration) {
	metrics.JobsProcessed.WithLabelValues(job.Queue, "completed").Inc()

	next, repeats, rerr := s.nextRun(ctx, job.ID, time.Now())
	if rerr != nil {
		log.Warn("repeat lookup failed", logx.String("job", job.Name), logx.Err(rerr))
	}
	if repeats {
		now := time.Now().UnixMilli()
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, run_at = ?, attempts = 0, started_at = NULL,
			                 last_error = NULL, updated_at = ?
			 WHERE id = ?`,
			stateP, next.UnixMilli(), now, job.ID,
		)
		if err != nil {
			log.Error("repeat reschedule failed", logx.String("job", job.Name), logx.Err(err))
		}
		log.Debug("job completed; rescheduled", logx.String("job", job.Name),
			logx.Duration("dur", dur), logx.Time("next_run", next))
		return
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
		log.Error("job cleanup failed", logx.String("job", job.Name), logx.Err(err))
	}
	log.Debug("job completed", logx.String("job", job.Name),
		logx.Int("attempt", job.Attempt), logx.Duration("dur", dur))
}

func (s *Service) finishErr(ctx context.Context, log logx.Logger, job *Job, jobErr error, dur time.Duration) {
	exhausted := isPermanent(jobErr) || job.Attempt >= job.MaxAttempts
	now := time.Now()

	if !exhausted {
		delay, derr := s.retryDelay(ctx, job)
		if derr != nil {
			log.Warn("retry policy lookup failed", logx.String("job", job.Name), logx.Err(derr))
		}
		metrics.JobsProcessed.WithLabelValues(job.Queue, "retried").Inc()
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, run_at = ?, last_error = ?, updated_at = ?
			 WHERE id = ?`,
			stateP, now.Add(delay).UnixMilli(), jobErr.Error(), now.UnixMilli(), job.ID,
		)
		if err != nil {
			log.Error("retry reschedule failed", logx.String("job", job.Name), logx.Err(err))
		}
		log.Debug("job retry scheduled", logx.String("job", job.Name),
			logx.Int("attempt", job.Attempt), logx.Duration("delay", delay), logx.Err(jobErr))
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()

	// A broken repeating schedule stays scheduled: skip to the next
	// occurrence with the error recorded, rather than parking the schedule.
	next, repeats, rerr := s.nextRun(ctx, job.ID, now)
	if rerr == nil && repeats {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, run_at = ?, attempts = 0, started_at = NULL,
			                 last_error = ?, updated_at = ?
			 WHERE id = ?`,
			stateP, next.UnixMilli(), jobErr.Error(), now.UnixMilli(), job.ID,
		)
		if err != nil {
			log.Error("repeat reschedule failed", logx.String("job", job.Name), logx.Err(err))
		}
		log.Warn("repeat job run failed; keeping schedule", logx.String("job", job.Name),
			logx.Int("attempts", job.Attempt), logx.Time("next_run", next), logx.Err(jobErr))
		return
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		stateF, jobErr.Error(), now.UnixMilli(), job.ID,
	)
	if err != nil {
		log.Error("job fail-mark failed", logx.String("job", job.Name), logx.Err(err))
	}
	log.Error("job failed permanently", logx.String("job", job.Name),
		logx.Int("attempts", job.Attempt), logx.Duration("dur", dur), logx.Err(jobErr))
}

// nextRun computes when a repeating job should run next ((zero, false) for
// one-shot jobs).
func (s *Service) nextRun(ctx context.Context, jobID string, after time.Time) (time.Time, bool, error) {
	var (
		repeatCron    string
		repeatEveryMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT repeat_cron, repeat_every_ms FROM jobs WHERE id = ?`, jobID,
	).Scan(&repeatCron, &repeatEveryMS)
	if err != nil {
		return time.Time{}, false, err
	}
	if repeatCron != "" {
		sched, err := s.parser.Parse(repeatCron)
		if err != nil {
			return time.Time{}, false, err
		}
		return sched.Next(after), true, nil
	}
	if repeatEveryMS > 0 {
		return after.Add(time.Duration(repeatEveryMS) * time.Millisecond), true, nil
	}
	return time.Time{}, false, nil
}

func (s *Service) retryDelay(ctx context.Context, job *Job) (time.Duration, error) {
	var (
		kind   string
		baseMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT backoff_kind, backoff_base_ms FROM jobs WHERE id = ?`, job.ID,
	).Scan(&kind, &baseMS)
	if err != nil {
		return time.Second, err
	}
	return backoffDelay(BackoffKind(kind), time.Duration(baseMS)*time.Millisecond, job.Attempt), nil
}

// backoffDelay computes the wait before retry attempt+1, where attempt is the
// 1-based attempt that just failed. Exponential: base * 2^(attempt-1).
func backoffDelay(kind BackoffKind, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	switch kind {
	case BackoffNone:
		return 0
	case BackoffFixed:
		return base
	default:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > maxBackoffDelay {
				return maxBackoffDelay
			}
		}
		return d
	}
}
