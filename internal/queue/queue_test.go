package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/observability"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(observability.NewNopLogger())
	assert.Error(t, q.Publish(TopicProcess, Nudge{}))
}

func TestPublishRetriesUntilSuccess(t *testing.T) {
	q := NewInMemoryQueue(observability.NewNopLogger())
	q.Backoff = time.Millisecond

	var calls int32
	require.NoError(t, q.Subscribe("t", func(payload any) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, q.Publish("t", 1))
	q.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPublishGivesUpAfterMaxRetries(t *testing.T) {
	q := NewInMemoryQueue(observability.NewNopLogger())
	q.Backoff = time.Millisecond
	q.MaxRetries = 2

	var calls int32
	require.NoError(t, q.Subscribe("t", func(payload any) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	}))
	require.NoError(t, q.Publish("t", 1))
	q.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "first try plus two retries")
}

type countingProcessor struct{ runs int32 }

func (p *countingProcessor) Process(ctx context.Context) error {
	atomic.AddInt32(&p.runs, 1)
	return nil
}

func TestProcessSubscriberRunsProcessor(t *testing.T) {
	q := NewInMemoryQueue(observability.NewNopLogger())
	p := &countingProcessor{}
	require.NoError(t, StartProcessSubscriber(context.Background(), q, p, observability.NewNopLogger()))

	require.NoError(t, q.Publish(TopicProcess, Nudge{Source: "campaign", CampaignID: 7, Count: 2}))
	require.NoError(t, q.Publish(TopicProcess, Nudge{Source: "api", Count: 1}))
	q.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.runs))
}
