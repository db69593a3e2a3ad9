package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/store"
)

// Store 进程内存储, 用于测试与单机演示
type Store struct {
	mu        sync.Mutex
	records   map[string]model.CallRecord
	contacts  map[string]model.Contact
	campaigns map[string]model.Campaign
	callbacks map[string]model.Callback
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records:   make(map[string]model.CallRecord),
		contacts:  make(map[string]model.Contact),
		campaigns: make(map[string]model.Campaign),
		callbacks: make(map[string]model.Callback),
	}
}

// PutCampaign 写入或覆盖活动
func (s *Store) PutCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *Store) PutContact(c model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = model.ContactStatusPending
	}
	s.contacts[c.ID] = c
}

// Callbacks 全部回拨的快照
func (s *Store) Callbacks() []model.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Callback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (s *Store) SaveCallRecord(ctx context.Context, rec *model.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Transcript = append([]model.Turn(nil), rec.Transcript...)
	cp.CollectedData = copyMap(rec.CollectedData)
	s.records[rec.SessionID] = cp
	return nil
}

func (s *Store) GetCallRecord(ctx context.Context, sessionID string) (*model.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Transcript = append([]model.Turn(nil), rec.Transcript...)
	rec.CollectedData = copyMap(rec.CollectedData)
	return &rec, nil
}

func (s *Store) FindCallRecordByProviderID(ctx context.Context, providerCallID string) (*model.CallRecord, error) {
	s.mu.Lock()
	var found string
	for id, rec := range s.records {
		if providerCallID != "" && rec.ProviderCallID == providerCallID {
			found = id
			break
		}
	}
	s.mu.Unlock()
	if found == "" {
		return nil, store.ErrNotFound
	}
	return s.GetCallRecord(ctx, found)
}

func (s *Store) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) updateContact(id string, fn func(c *model.Contact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&c)
	s.contacts[id] = c
	return nil
}

func (s *Store) UpdateContactStatus(ctx context.Context, id string, status model.ContactStatus) error {
	return s.updateContact(id, func(c *model.Contact) { c.Status = status })
}

func (s *Store) MarkContactDNC(ctx context.Context, id string) error {
	return s.updateContact(id, func(c *model.Contact) {
		c.DoNotCall = true
		c.Status = model.ContactStatusDNC
	})
}

func (s *Store) ScheduleContact(ctx context.Context, id string, at time.Time) error {
	return s.updateContact(id, func(c *model.Contact) {
		c.Status = model.ContactStatusScheduled
		c.NextCallAt = &at
	})
}

func (s *Store) RequeueContact(ctx context.Context, id string, at time.Time) error {
	return s.updateContact(id, func(c *model.Contact) {
		c.Status = model.ContactStatusPending
		c.NextCallAt = &at
	})
}

func (s *Store) ListDueContacts(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Contact
	for _, c := range s.contacts {
		if c.CampaignID != campaignID || c.Status != model.ContactStatusPending || c.DoNotCall {
			continue
		}
		if c.NextCallAt != nil && c.NextCallAt.After(now) {
			continue
		}
		due = append(due, c)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) CountOpenContacts(ctx context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contacts {
		if c.CampaignID == campaignID && c.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Campaign
	for _, c := range s.campaigns {
		if c.Status == model.CampaignStatusActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CompleteCampaign(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Status != model.CampaignStatusActive {
		return false, nil
	}
	c.Status = model.CampaignStatusCompleted
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) IncrementCampaignCounters(ctx context.Context, id string, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Counters.Apply(outcome)
	s.campaigns[id] = c
	return nil
}

func (s *Store) CreateCallback(ctx context.Context, cb *model.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb.Status == "" {
		cb.Status = model.CallbackStatusPending
	}
	s.callbacks[cb.ID] = *cb
	return nil
}

func (s *Store) ClaimDueCallbacks(ctx context.Context, now time.Time) ([]model.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []model.Callback
	for id, cb := range s.callbacks {
		if cb.Status != model.CallbackStatusPending || cb.DueAt.After(now) {
			continue
		}
		if camp, ok := s.campaigns[cb.CampaignID]; !ok || camp.Status != model.CampaignStatusActive {
			continue
		}
		cb.Status = model.CallbackStatusQueued
		s.callbacks[id] = cb
		claimed = append(claimed, cb)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].DueAt.Before(claimed[j].DueAt) })
	return claimed, nil
}

func (s *Store) Close() error { return nil }

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
