package memory

import (
	"context"
	"sort"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type ListRepository struct {
	s *Store
}

func (r *ListRepository) Create(ctx context.Context, l *model.SubscriberList) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l.ID = r.s.id()
	l.CreatedAt = r.s.now()
	cp := *l
	r.s.lists[l.ID] = &cp
	return nil
}

func (r *ListRepository) GetByID(ctx context.Context, id int64) (*model.SubscriberList, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lists[id]
	if !ok {
		return nil, appErrors.NewNotFound("list", id)
	}
	cp := *l
	return &cp, nil
}

func (r *ListRepository) ListAll(ctx context.Context) ([]*model.SubscriberList, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.SubscriberList{}
	for _, l := range r.s.lists {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ListRepository) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lists[id]; !ok {
		return appErrors.NewNotFound("list", id)
	}
	delete(r.s.lists, id)
	for k := range r.s.members {
		if k.listID == id {
			delete(r.s.members, k)
		}
	}
	for _, c := range r.s.campaigns {
		if c.ListID != nil && *c.ListID == id {
			c.ListID = nil
		}
	}
	return nil
}

func (r *ListRepository) AddMember(ctx context.Context, listID, subscriberID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lists[listID]; !ok {
		return appErrors.NewNotFound("list", listID)
	}
	if _, ok := r.s.subscribers[subscriberID]; !ok {
		return appErrors.NewNotFound("subscriber", subscriberID)
	}
	key := memberKey{listID: listID, subscriberID: subscriberID}
	if _, ok := r.s.members[key]; !ok {
		r.s.members[key] = r.s.now()
	}
	return nil
}

func (r *ListRepository) RemoveMember(ctx context.Context, listID, subscriberID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.members, memberKey{listID: listID, subscriberID: subscriberID})
	return nil
}

func (r *ListRepository) ActiveSubscribers(ctx context.Context, listID, excludeCampaignID int64) ([]*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	targeted := map[int64]bool{}
	if excludeCampaignID != 0 {
		for _, m := range r.s.messages {
			if m.CampaignID == nil || *m.CampaignID != excludeCampaignID || m.SubscriberID == nil {
				continue
			}
			switch m.Status {
			case model.MessagePending, model.MessageProcessing, model.MessageSent:
				targeted[*m.SubscriberID] = true
			}
		}
	}

	out := []*model.Subscriber{}
	for k := range r.s.members {
		if k.listID != listID || targeted[k.subscriberID] {
			continue
		}
		sub, ok := r.s.subscribers[k.subscriberID]
		if !ok || sub.Status != model.SubscriberSubscribed || sub.BounceStatus == model.BounceHard {
			continue
		}
		out = append(out, cloneSubscriber(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ repository.ListRepositoryInterface = (*ListRepository)(nil)
