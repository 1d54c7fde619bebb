package memory

import (
	"context"
	"sort"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type SubscriberRepository struct {
	s *Store
}

func (r *SubscriberRepository) Create(ctx context.Context, sub *model.Subscriber) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.subscribers {
		if existing.Email == sub.Email {
			return appErrors.NewStateConflict("subscriber %s already exists", sub.Email)
		}
	}
	if sub.Status == "" {
		sub.Status = model.SubscriberPending
	}
	if sub.BounceStatus == "" {
		sub.BounceStatus = model.BounceNone
	}
	if sub.Meta == nil {
		sub.Meta = model.StringMap{}
	}
	now := r.s.now()
	sub.ID = r.s.id()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	r.s.subscribers[sub.ID] = cloneSubscriber(sub)
	return nil
}

func (r *SubscriberRepository) GetByID(ctx context.Context, id int64) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return nil, appErrors.NewNotFound("subscriber", id)
	}
	return cloneSubscriber(sub), nil
}

func (r *SubscriberRepository) GetByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subscribers {
		if sub.Email == email {
			return cloneSubscriber(sub), nil
		}
	}
	return nil, appErrors.NewNotFound("subscriber", email)
}

func (r *SubscriberRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Subscriber, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := []*model.Subscriber{}
	for _, sub := range r.s.subscribers {
		if status == "" || sub.Status == status {
			all = append(all, sub)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := []*model.Subscriber{}
	for _, sub := range all[offset:end] {
		page = append(page, cloneSubscriber(sub))
	}
	return page, total, nil
}

func (r *SubscriberRepository) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subscribers[id]; !ok {
		return appErrors.NewNotFound("subscriber", id)
	}
	delete(r.s.subscribers, id)
	for k := range r.s.members {
		if k.subscriberID == id {
			delete(r.s.members, k)
		}
	}
	for _, m := range r.s.messages {
		if m.SubscriberID != nil && *m.SubscriberID == id {
			m.SubscriberID = nil
		}
	}
	return nil
}

func (r *SubscriberRepository) Confirm(ctx context.Context, token string) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subscribers {
		if sub.ConfirmationToken == nil || *sub.ConfirmationToken != token || sub.Status != model.SubscriberPending {
			continue
		}
		sub.Status = model.SubscriberSubscribed
		sub.ConfirmationToken = nil
		sub.UpdatedAt = r.s.now()
		return cloneSubscriber(sub), nil
	}
	return nil, appErrors.NewNotFound("confirmation token", token)
}

func (r *SubscriberRepository) SetStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok || !contains(from, sub.Status) {
		return false, nil
	}
	sub.Status = to
	sub.UpdatedAt = r.s.now()
	return true, nil
}

func (r *SubscriberRepository) RecordBounce(ctx context.Context, id int64, hard bool) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return nil, appErrors.NewNotFound("subscriber", id)
	}
	sub.BounceCount++
	switch {
	case hard:
		sub.BounceStatus = model.BounceHard
	case sub.BounceStatus == model.BounceHard || sub.BounceStatus == model.BounceComplaint:
	default:
		sub.BounceStatus = model.BounceSoft
	}
	if sub.BounceStatus == model.BounceHard || sub.BounceCount >= model.SoftBounceLimit {
		sub.Status = model.SubscriberBounced
	}
	sub.UpdatedAt = r.s.now()
	return cloneSubscriber(sub), nil
}

func (r *SubscriberRepository) RecordComplaint(ctx context.Context, id int64) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return nil, appErrors.NewNotFound("subscriber", id)
	}
	sub.BounceStatus = model.BounceComplaint
	sub.Status = model.SubscriberUnsubscribed
	sub.UpdatedAt = r.s.now()
	return cloneSubscriber(sub), nil
}

var _ repository.SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
