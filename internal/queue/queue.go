package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueGenerateScenes = "queue:generate_scenes"
	QueueMerge          = "queue:merge"
)

const (
	TypeGenerateScenes = "generate_scenes"
	TypeMerge          = "merge"
)

type Queue struct {
	client *redis.Client
}

// Job is the envelope pushed onto a Redis list. Data carries the
// type-specific payload, e.g. a merge request.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	JobID     uuid.UUID       `json:"job_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Client exposes the underlying connection so the lock can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// EnqueueGenerateScenes schedules scene generation for a newly admitted job.
func (q *Queue) EnqueueGenerateScenes(ctx context.Context, jobID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateScenes, &Job{
		Type:  TypeGenerateScenes,
		JobID: jobID,
	})
}

// EnqueueMerge schedules a merge run. payload is the JSON merge request.
func (q *Queue) EnqueueMerge(ctx context.Context, jobID uuid.UUID, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal merge request: %w", err)
	}
	return q.Enqueue(ctx, QueueMerge, &Job{
		Type:  TypeMerge,
		JobID: jobID,
		Data:  data,
	})
}
