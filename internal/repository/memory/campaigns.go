package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type CampaignRepository struct {
	s *Store
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.ID = r.s.id()
	c.CreatedAt = r.s.now()
	r.s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (r *CampaignRepository) getLocked(id int64) (*model.Campaign, error) {
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneCampaign(c), nil
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.getLocked(c.ID)
	if err != nil {
		return err
	}
	if !cur.Editable() {
		return appErrors.NewStateConflict("campaign %d is %s and cannot be edited", c.ID, cur.Status)
	}
	cur.Name = c.Name
	cur.Subject = c.Subject
	cur.HTMLBody = c.HTMLBody
	cur.TextBody = c.TextBody
	cur.FromEmail = c.FromEmail
	cur.FromName = c.FromName
	cur.ListID = c.ListID
	cur.UpdatedAt = timePtr(r.s.now())
	return nil
}

func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if !cur.Editable() {
		return appErrors.NewStateConflict("campaign %d is %s and cannot be deleted", id, cur.Status)
	}
	delete(r.s.campaigns, id)
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == id {
			m.CampaignID = nil
		}
	}
	return nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if status == "" || c.Status == status {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*model.Campaign, 0, end-offset)
	for _, c := range all[offset:end] {
		page = append(page, cloneCampaign(c))
	}
	return page, total, nil
}

func (r *CampaignRepository) Schedule(ctx context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if cur.Status != model.CampaignDraft && cur.Status != model.CampaignScheduled {
		return appErrors.NewStateConflict("campaign %d is %s and cannot be scheduled", id, cur.Status)
	}
	cur.Status = model.CampaignScheduled
	cur.ScheduledAt = timePtr(at)
	cur.UpdatedAt = timePtr(r.s.now())
	return nil
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.campaigns[id]
	if !ok || !contains(from, cur.Status) {
		return false, nil
	}
	now := r.s.now()
	cur.Status = to
	if to == model.CampaignSent {
		cur.FinishedAt = timePtr(now)
	}
	cur.UpdatedAt = timePtr(now)
	return true, nil
}

func (r *CampaignRepository) BeginSend(ctx context.Context, id int64, from []string, msgs []*model.QueuedMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.campaigns[id]
	if !ok || !contains(from, cur.Status) {
		return false, nil
	}
	now := r.s.now()
	if cur.Status == model.CampaignPaused {
		cur.TotalRecipients = cur.SentCount + r.s.inFlightLocked(id) + len(msgs)
		if cur.StartedAt == nil {
			cur.StartedAt = timePtr(now)
		}
	} else {
		cur.SentCount = 0
		cur.TotalRecipients = len(msgs)
		cur.StartedAt = timePtr(now)
	}
	cur.Status = model.CampaignSending
	cur.FinishedAt = nil
	cur.UpdatedAt = timePtr(now)
	for _, m := range msgs {
		r.s.insertLocked(m)
	}
	return true, nil
}

func (r *CampaignRepository) IncrementSentCount(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.campaigns[id]
	if !ok || cur.SentCount >= cur.TotalRecipients {
		return false, nil
	}
	cur.SentCount++
	return true, nil
}

func (r *CampaignRepository) CompleteIfDrained(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.campaigns[id]
	if !ok || cur.Status != model.CampaignSending {
		return false, nil
	}
	for _, m := range r.s.messages {
		if m.CampaignID == nil || *m.CampaignID != id {
			continue
		}
		if m.Status == model.MessagePending || m.Status == model.MessageProcessing {
			return false, nil
		}
	}
	now := r.s.now()
	cur.Status = model.CampaignSent
	cur.FinishedAt = timePtr(now)
	cur.UpdatedAt = timePtr(now)
	return true, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status string) ([]*model.Campaign, error) {
	return r.filter(func(c *model.Campaign) bool { return c.Status == status }), nil
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	return r.filter(func(c *model.Campaign) bool {
		return c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}), nil
}

func (r *CampaignRepository) filter(match func(*model.Campaign) bool) []*model.Campaign {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if match(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ repository.CampaignRepositoryInterface = (*CampaignRepository)(nil)

// inFlightLocked counts the campaign's pending and processing messages.
func (s *Store) inFlightLocked(campaignID int64) int {
	n := 0
	for _, m := range s.messages {
		if m.CampaignID == nil || *m.CampaignID != campaignID {
			continue
		}
		if m.Status == model.MessagePending || m.Status == model.MessageProcessing {
			n++
		}
	}
	return n
}
