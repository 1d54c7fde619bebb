package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type QueueRepository struct {
	s *Store
}

// insertLocked mirrors the Postgres enqueue defaults. Caller holds s.mu.
func (s *Store) insertLocked(msg *model.QueuedMessage) {
	now := s.now()
	msg.ID = s.id()
	msg.Status = model.MessagePending
	msg.Attempts = 0
	if msg.Priority <= 0 {
		msg.Priority = model.PriorityNormal
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = model.DefaultMaxAttempts
	}
	if msg.Headers == nil {
		msg.Headers = model.StringMap{}
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.ID] = cloneMessage(msg)
}

func (r *QueueRepository) Enqueue(ctx context.Context, msg *model.QueuedMessage) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.insertLocked(msg)
	return msg.ID, nil
}

func (r *QueueRepository) NextBatch(ctx context.Context, limit int) ([]*model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	due := []*model.QueuedMessage{}
	for _, m := range r.s.messages {
		if m.Status != model.MessagePending {
			continue
		}
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.QueuedMessage, len(due))
	for i, m := range due {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id int64) (*model.QueuedMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, appErrors.NewNotFound("queued message", id)
	}
	return cloneMessage(m), nil
}

func (r *QueueRepository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != model.MessagePending {
		return false, nil
	}
	m.Status = model.MessageProcessing
	m.UpdatedAt = r.s.now()
	return true, nil
}

func (r *QueueRepository) MarkSent(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != model.MessageProcessing {
		return repository.ErrStaleMessage
	}
	now := r.s.now()
	m.Status = model.MessageSent
	m.Attempts++
	m.ErrorMessage = ""
	m.SentAt = timePtr(now)
	m.UpdatedAt = now
	return nil
}

func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, errMsg string, retryAt *time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != model.MessageProcessing {
		return "", repository.ErrStaleMessage
	}
	m.Attempts++
	m.ErrorMessage = errMsg
	m.UpdatedAt = r.s.now()
	if m.Attempts >= m.MaxAttempts {
		m.Status = model.MessageFailed
	} else {
		m.Status = model.MessagePending
		if retryAt != nil {
			m.ScheduledAt = timePtr(*retryAt)
		}
	}
	return m.Status, nil
}

func (r *QueueRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != model.MessagePending {
		return false, nil
	}
	m.Status = model.MessageCancelled
	m.UpdatedAt = r.s.now()
	return true, nil
}

func (r *QueueRepository) Retry(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return appErrors.NewNotFound("queued message", id)
	}
	if m.Status != model.MessageFailed {
		return appErrors.NewStateConflict("message %d is %s, only failed messages can be retried", id, m.Status)
	}
	m.Status = model.MessagePending
	m.Attempts = 0
	m.ErrorMessage = ""
	m.ScheduledAt = nil
	m.UpdatedAt = r.s.now()
	return nil
}

func (r *QueueRepository) update(match func(*model.QueuedMessage) bool, apply func(*model.QueuedMessage)) int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	now := r.s.now()
	for _, m := range r.s.messages {
		if match(m) {
			apply(m)
			m.UpdatedAt = now
			n++
		}
	}
	return n
}

func (r *QueueRepository) CancelAllPending(ctx context.Context) (int64, error) {
	return r.update(
		func(m *model.QueuedMessage) bool { return m.Status == model.MessagePending },
		func(m *model.QueuedMessage) { m.Status = model.MessageCancelled },
	), nil
}

func (r *QueueRepository) CancelPendingForCampaign(ctx context.Context, campaignID int64) (int64, error) {
	return r.update(
		func(m *model.QueuedMessage) bool {
			return m.Status == model.MessagePending && m.CampaignID != nil && *m.CampaignID == campaignID
		},
		func(m *model.QueuedMessage) { m.Status = model.MessageCancelled },
	), nil
}

func (r *QueueRepository) RetryFailed(ctx context.Context) (int64, error) {
	return r.update(
		func(m *model.QueuedMessage) bool { return m.Status == model.MessageFailed && m.Attempts < m.MaxAttempts },
		func(m *model.QueuedMessage) {
			m.Status = model.MessagePending
			m.ErrorMessage = ""
		},
	), nil
}

func (r *QueueRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	return r.update(
		func(m *model.QueuedMessage) bool { return m.Status == model.MessageProcessing && m.UpdatedAt.Before(before) },
		func(m *model.QueuedMessage) { m.Status = model.MessagePending },
	), nil
}

func (r *QueueRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[string]int{
		model.MessagePending:    0,
		model.MessageProcessing: 0,
		model.MessageSent:       0,
		model.MessageFailed:     0,
		model.MessageCancelled:  0,
	}
	for _, m := range r.s.messages {
		counts[m.Status]++
	}
	return counts, nil
}

var _ repository.QueueRepositoryInterface = (*QueueRepository)(nil)
