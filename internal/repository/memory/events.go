package memory

import (
	"context"
	"sort"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type DeliveryLogRepository struct {
	s *Store
}

func (r *DeliveryLogRepository) Append(ctx context.Context, e *model.DeliveryLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = r.s.id()
	e.CreatedAt = r.s.now()
	cp := *e
	r.s.logs = append(r.s.logs, &cp)
	return nil
}

func (r *DeliveryLogRepository) ListRecent(ctx context.Context, limit int) ([]*model.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.DeliveryLogEntry{}
	for i := len(r.s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *r.s.logs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *DeliveryLogRepository) PurgeContent(ctx context.Context, olderThan time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	now := r.s.now()
	for _, e := range r.s.logs {
		if e.PurgedAt != nil || !e.CreatedAt.Before(olderThan) {
			continue
		}
		e.Subject, e.HTMLBody, e.TextBody, e.Headers = nil, nil, nil, nil
		e.PurgedAt = timePtr(now)
		n++
	}
	return n, nil
}

type TrackingRepository struct {
	s *Store
}

func (r *TrackingRepository) RecordOpen(ctx context.Context, e *model.TrackingEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.EventType = model.EventOpen
	for _, ev := range r.s.events {
		if ev.EventType == model.EventOpen && ev.CampaignID == e.CampaignID && ev.SubscriberID == e.SubscriberID {
			return false, nil
		}
	}
	r.appendLocked(e)
	return true, nil
}

func (r *TrackingRepository) Record(ctx context.Context, e *model.TrackingEvent) error {
	if e.EventType == model.EventOpen {
		_, err := r.RecordOpen(ctx, e)
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.appendLocked(e)
	return nil
}

func (r *TrackingRepository) appendLocked(e *model.TrackingEvent) {
	e.ID = r.s.id()
	e.CreatedAt = r.s.now()
	cp := *e
	r.s.events = append(r.s.events, &cp)
}

func (r *TrackingRepository) CountByType(ctx context.Context, campaignID int64) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[string]int{}
	for _, ev := range r.s.events {
		if ev.CampaignID == campaignID {
			counts[ev.EventType]++
		}
	}
	return counts, nil
}

func (r *TrackingRepository) LinkClicks(ctx context.Context, campaignID int64) ([]model.LinkStat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byURL := map[string]int{}
	for _, ev := range r.s.events {
		if ev.CampaignID == campaignID && ev.EventType == model.EventClick {
			byURL[ev.LinkURL]++
		}
	}
	links := []model.LinkStat{}
	for u, n := range byURL {
		links = append(links, model.LinkStat{URL: u, Clicks: n})
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Clicks != links[j].Clicks {
			return links[i].Clicks > links[j].Clicks
		}
		return links[i].URL < links[j].URL
	})
	return links, nil
}

func (r *TrackingRepository) Timeline(ctx context.Context, campaignID int64) ([]model.DailyStat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	type key struct{ day, eventType string }
	counts := map[key]int{}
	for _, ev := range r.s.events {
		if ev.CampaignID == campaignID {
			counts[key{ev.CreatedAt.UTC().Format("2006-01-02"), ev.EventType}]++
		}
	}
	days := []model.DailyStat{}
	for k, n := range counts {
		days = append(days, model.DailyStat{Day: k.day, EventType: k.eventType, Count: n})
	}
	sort.Slice(days, func(i, j int) bool {
		if days[i].Day != days[j].Day {
			return days[i].Day < days[j].Day
		}
		return days[i].EventType < days[j].EventType
	})
	return days, nil
}

var (
	_ repository.DeliveryLogRepositoryInterface = (*DeliveryLogRepository)(nil)
	_ repository.TrackingRepositoryInterface    = (*TrackingRepository)(nil)
)
