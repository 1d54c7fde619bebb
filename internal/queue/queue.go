package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/observability"
)

// TopicProcess carries "process the queue now" nudges to the worker.
const TopicProcess = "mailer.process"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// Nudge is published after messages are enqueued so a worker can drain them
// before its next tick.
type Nudge struct {
	Source     string `json:"source"`
	CampaignID int64  `json:"campaign_id,omitempty"`
	Count      int    `json:"count"`
}

// InMemoryQueue delivers to in-process subscribers with bounded retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	logger     *observability.Logger
	MaxRetries int
	Backoff    time.Duration
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger *observability.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		logger:     logger,
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.MaxRetries}
		q.wg.Add(1)
		go q.processJob(handler, job)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	ctx := observability.WithFields(context.Background(), observability.Field{Key: "topic", Value: job.Topic})
	for {
		err := handler(job.Payload)
		if err == nil {
			q.logger.Debug(ctx, "job processed")
			return
		}

		job.RetryCount++
		jobCtx := observability.WithFields(ctx, observability.Field{Key: "attempt", Value: job.RetryCount})
		if job.RetryCount > job.MaxRetries {
			q.logger.Error(jobCtx, "job permanently failed", err)
			return
		}
		q.logger.WarnWithError(jobCtx, "job failed, retrying", err)

		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Processor is the part of the delivery driver the subscriber needs.
type Processor interface {
	Process(ctx context.Context) error
}

// StartProcessSubscriber runs one processor pass per nudge. Overlapping runs
// are safe because every message is claimed atomically.
func StartProcessSubscriber(ctx context.Context, q Queue, p Processor, logger *observability.Logger) error {
	return q.Subscribe(TopicProcess, func(payload any) error {
		if ctx.Err() != nil {
			return nil
		}
		runCtx := observability.WithFields(ctx, observability.Field{Key: "trigger", Value: "nudge"})
		logger.Debug(runCtx, fmt.Sprintf("processing on demand: %v", payload))
		return p.Process(runCtx)
	})
}
