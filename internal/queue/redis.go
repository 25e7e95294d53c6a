package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

const defaultVisibilityTimeout = 30 * time.Second

// RedisQueue is a Queue backed by Redis lists, sorted sets and hashes.
// Every state transition runs as a single Lua script, so concurrent workers
// and ingestion instances never observe a half-moved job.
type RedisQueue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// Option customizes a RedisQueue.
type Option func(*RedisQueue)

// WithVisibilityTimeout sets how long a reserved job stays invisible before
// it is redelivered.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *RedisQueue) { q.logger = logger.With().Str("component", "queue").Logger() }
}

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client *redis.Client, name string, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		name:       name,
		visibility: defaultVisibilityTimeout,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key layout, all under queue:<name>:
//
//	job:<id>  hash with payload, attempt count and policy
//	wait      list of ready ids, LPUSH in and RPOP out
//	delayed   zset of ids scored by their retry time
//	active    zset of leased ids scored by lease deadline
//	dead      zset of dead-lettered ids scored by failure time
func (q *RedisQueue) prefix() string { return "queue:" + q.name }

func (q *RedisQueue) jobPrefix() string { return q.prefix() + ":job:" }

func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }

func (q *RedisQueue) waitKey() string { return q.prefix() + ":wait" }

func (q *RedisQueue) delayedKey() string { return q.prefix() + ":delayed" }

func (q *RedisQueue) activeKey() string { return q.prefix() + ":active" }

func (q *RedisQueue) deadKey() string { return q.prefix() + ":dead" }

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func observe(op string, start time.Time) {
	metrics.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Enqueue schedules a job unless one with the same id is still known.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload []byte, policy RetryPolicy) (EnqueueResult, error) {
	defer observe("enqueue", time.Now())

	if id == "" {
		return 0, errors.New("queue: job id is required")
	}
	if err := policy.Validate(); err != nil {
		return 0, err
	}

	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitKey()},
		id,
		string(payload),
		strconv.Itoa(policy.MaxAttempts),
		strconv.FormatInt(policy.BaseDelay.Milliseconds(), 10),
		string(policy.Backoff),
		ms(q.now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue %s: %w", id, err)
	}
	if n == 0 {
		metrics.JobsEnqueued.WithLabelValues("duplicate").Inc()
		return Duplicate, nil
	}
	metrics.JobsEnqueued.WithLabelValues("accepted").Inc()
	return Accepted, nil
}

// Reserve leases the next ready job, returning ErrEmpty when there is none.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	defer observe("reserve", time.Now())

	now := q.now()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.delayedKey(), q.activeKey(), q.deadKey()},
		ms(now),
		ms(now.Add(q.visibility)),
		q.jobPrefix(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("queue: reserve: unexpected reply of %d elements", len(res))
	}

	if reclaimed, _ := res[1].(int64); reclaimed > 0 {
		metrics.JobsReclaimed.Add(float64(reclaimed))
		q.logger.Warn().Int64("count", reclaimed).Msg("reclaimed jobs with expired leases")
	}
	buried, _ := res[2].([]interface{})
	for _, b := range buried {
		id, _ := b.(string)
		metrics.JobsDeadLettered.WithLabelValues("lease_expired").Inc()
		q.logger.Error().
			Str("job_id", id).
			Msg("job dead-lettered: lease expired on final attempt")
	}

	id, _ := res[0].(string)
	if id == "" {
		return nil, ErrEmpty
	}

	fields, _ := res[3].([]interface{})
	job, err := parseJob(id, pairsToMap(fields))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete removes a finished job. Completed jobs are not retained.
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	defer observe("complete", time.Now())

	n, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.jobKey(job.ID)},
		job.ID,
		strconv.Itoa(job.Attempts),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail applies the job's retry policy: the job is delayed by the backoff for
// its attempt number, or dead-lettered once the final attempt has failed.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (FailResult, error) {
	if job.Exhausted() {
		if err := q.bury(ctx, job, cause); err != nil {
			return FailResult{}, err
		}
		metrics.JobsDeadLettered.WithLabelValues("exhausted").Inc()
		return FailResult{DeadLettered: true}, nil
	}

	defer observe("retry", time.Now())

	now := q.now()
	delay := job.Policy.Delay(job.Attempts)
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey(), q.jobKey(job.ID)},
		job.ID,
		strconv.Itoa(job.Attempts),
		ms(now.Add(delay)),
		errString(cause),
		ms(now),
	).Int()
	if err != nil {
		return FailResult{}, fmt.Errorf("queue: retry %s: %w", job.ID, err)
	}
	if n == 0 {
		return FailResult{}, ErrLeaseLost
	}
	metrics.JobsRetried.Inc()
	return FailResult{Delay: delay}, nil
}

// Bury dead-letters a job without further attempts.
func (q *RedisQueue) Bury(ctx context.Context, job *Job, cause error) error {
	if err := q.bury(ctx, job, cause); err != nil {
		return err
	}
	metrics.JobsDeadLettered.WithLabelValues("terminal").Inc()
	return nil
}

func (q *RedisQueue) bury(ctx context.Context, job *Job, cause error) error {
	defer observe("bury", time.Now())

	n, err := buryScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.deadKey(), q.jobKey(job.ID)},
		job.ID,
		strconv.Itoa(job.Attempts),
		errString(cause),
		ms(q.now()),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: bury %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetters lists dead-lettered jobs, most recent first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := q.client.ZRevRange(ctx, q.deadKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	jobs := make([]Job, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(id, fields)
		if err != nil {
			q.logger.Warn().Err(err).Str("job_id", id).Msg("skipping unreadable dead letter")
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Requeue moves a dead-lettered job back to the wait list with a fresh
// attempt budget.
func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.deadKey(), q.waitKey(), q.jobKey(id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats reports queue depth.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.ZCard(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.ZCard(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func pairsToMap(pairs []interface{}) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		m[k] = v
	}
	return m
}

func parseJob(id string, f map[string]string) (*Job, error) {
	attempts, err := strconv.Atoi(f["attempts"])
	if err != nil {
		return nil, fmt.Errorf("queue: job %s: bad attempts %q", id, f["attempts"])
	}
	maxAttempts, err := strconv.Atoi(f["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("queue: job %s: bad max_attempts %q", id, f["max_attempts"])
	}
	baseMs, _ := strconv.ParseInt(f["base_delay_ms"], 10, 64)

	job := &Job{
		ID:       id,
		Payload:  []byte(f["payload"]),
		Attempts: attempts,
		Policy: RetryPolicy{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Duration(baseMs) * time.Millisecond,
			Backoff:     BackoffKind(f["backoff"]),
		},
		State:     State(f["state"]),
		LastError: f["last_error"],
	}
	if v, err := strconv.ParseInt(f["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(v).UTC()
	}
	if v, err := strconv.ParseInt(f["failed_at"], 10, 64); err == nil {
		job.FailedAt = time.UnixMilli(v).UTC()
	}
	return job, nil
}
