package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is a pending recomputation of one conversation's projection
// (preview and cached unread counts).
type Job struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// RefreshQueue is a Redis Streams consumer-group queue of projection refreshes.
type RefreshQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
	logger       *slog.Logger
}

// Config configures a RefreshQueue. Zero values fall back to defaults.
type Config struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	Logger     *slog.Logger
}

// NewRefreshQueue builds a queue on an existing Redis client.
func NewRefreshQueue(client *redis.Client, cfg Config) (*RefreshQueue, error) {
	if client == nil {
		return nil, errors.New("queue redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RefreshQueue{
		client:       client,
		stream:       stream,
		group:        orDefault(strings.TrimSpace(cfg.Group), "messaging"),
		consumerBase: orDefault(strings.TrimSpace(cfg.Consumer), uuid.NewString()),
		jobTTL:       durationOr(cfg.JobTTL, 24*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		logger:       cfg.Logger,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Enqueue schedules a refresh of conversationID.
func (q *RefreshQueue) Enqueue(ctx context.Context, conversationID string) (Job, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Job{}, errors.New("conversationId required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, conversationID)).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the last recorded status of a job.
func (q *RefreshQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Run consumes the stream with concurrency workers until ctx is cancelled.
func (q *RefreshQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *RefreshQueue) ensureGroup(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			err = nil
		}
	})
	return err
}

func (q *RefreshQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("refresh_queue_read_failed", "stream", q.stream, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RefreshQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RefreshQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	conversationID, _ := msg.Values["conversation_id"].(string)
	if jobID == "" || conversationID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.transition(ctx, jobID, func(j *Job) {
		j.ConversationID = conversationID
		j.Attempts++
		j.Status = StatusProcessing
	})
	if err != nil {
		q.logger.Warn("refresh_job_status_failed", "job_id", jobID, "err", err)
		return
	}

	herr := handler(ctx, job)
	if herr == nil {
		_, _ = q.transition(ctx, jobID, func(j *Job) { j.Status = StatusDone; j.ErrorMessage = "" })
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		q.logger.Error("refresh_job_failed", "job_id", jobID, "conversation_id", conversationID, "attempts", job.Attempts, "err", herr)
		_, _ = q.transition(ctx, jobID, func(j *Job) { j.Status = StatusFailed; j.ErrorMessage = herr.Error() })
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_, _ = q.transition(ctx, jobID, func(j *Job) { j.Status = StatusQueued; j.ErrorMessage = herr.Error() })
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, conversationID); err != nil {
		// left pending; XAUTOCLAIM picks it up after claimIdle
		q.logger.Warn("refresh_job_requeue_failed", "job_id", jobID, "err", err)
	}
}

func (q *RefreshQueue) ackAndDel(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

func (q *RefreshQueue) requeueAndAck(ctx context.Context, msgID, jobID, conversationID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, conversationID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RefreshQueue) addArgs(jobID, conversationID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID, "conversation_id": conversationID},
	}
}

func (q *RefreshQueue) transition(ctx context.Context, jobID string, mutate func(*Job)) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		job = Job{ID: jobID}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	return job, q.writeStatus(ctx, job)
}

func (q *RefreshQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"conversationId": job.ConversationID,
		"status":         job.Status,
		"error":          job.ErrorMessage,
		"attempts":       strconv.Itoa(job.Attempts),
		"createdAt":      job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RefreshQueue) jobKey(jobID string) string {
	return "job:" + q.stream + ":" + jobID
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:             jobID,
		ConversationID: data["conversationId"],
		Status:         data["status"],
		ErrorMessage:   data["error"],
	}
	job.Attempts, _ = strconv.Atoi(data["attempts"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, data["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, data["updatedAt"])
	return job
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
