// Package memory holds in-process implementations of the repository interfaces.
// Every conditional transition runs under one mutex, which gives the same
// single-row compare-and-swap semantics as the Postgres UPDATE ... WHERE status=?.
package memory

import (
	"sync"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type memberKey struct {
	listID       int64
	subscriberID int64
}

// Store is the shared table set; the repositories are views over it.
type Store struct {
	mu  sync.Mutex
	Now func() time.Time

	nextID      int64
	subscribers map[int64]*model.Subscriber
	lists       map[int64]*model.SubscriberList
	members     map[memberKey]time.Time
	campaigns   map[int64]*model.Campaign
	messages    map[int64]*model.QueuedMessage
	logs        []*model.DeliveryLogEntry
	events      []*model.TrackingEvent
}

func NewStore() *Store {
	return &Store{
		Now:         time.Now,
		subscribers: map[int64]*model.Subscriber{},
		lists:       map[int64]*model.SubscriberList{},
		members:     map[memberKey]time.Time{},
		campaigns:   map[int64]*model.Campaign{},
		messages:    map[int64]*model.QueuedMessage{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) now() time.Time {
	return s.Now()
}

func (s *Store) Queue() *QueueRepository             { return &QueueRepository{s: s} }
func (s *Store) Campaigns() *CampaignRepository      { return &CampaignRepository{s: s} }
func (s *Store) Subscribers() *SubscriberRepository  { return &SubscriberRepository{s: s} }
func (s *Store) Lists() *ListRepository              { return &ListRepository{s: s} }
func (s *Store) DeliveryLog() *DeliveryLogRepository { return &DeliveryLogRepository{s: s} }
func (s *Store) Tracking() *TrackingRepository       { return &TrackingRepository{s: s} }

func contains(set []string, v string) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneMessage(m *model.QueuedMessage) *model.QueuedMessage {
	c := *m
	if m.Headers != nil {
		c.Headers = make(model.StringMap, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	c.Attachments = append(model.AttachmentList(nil), m.Attachments...)
	return &c
}

func cloneSubscriber(sub *model.Subscriber) *model.Subscriber {
	c := *sub
	if sub.Meta != nil {
		c.Meta = make(model.StringMap, len(sub.Meta))
		for k, v := range sub.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	return &cp
}
