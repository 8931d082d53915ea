// Package memory is an in-process Store used by tests and local demos. All
// methods are safe for concurrent use.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"blast/internal/domain"
	"blast/internal/store"
	"blast/internal/util"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	contacts  []domain.Contact
	records   []domain.SendRecord
	endpoints map[string]domain.Endpoint

	// Fail, when set, is consulted before every call; a non-nil error is
	// returned as-is. Tests use it to simulate an unavailable database.
	Fail func(op string) error
}

func New() *Store {
	return &Store{
		campaigns: map[string]*domain.Campaign{},
		endpoints: map[string]domain.Endpoint{},
	}
}

func (s *Store) check(op string) error {
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("InsertCampaign"); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = util.NowUTC()
	}
	if c.Status == "" {
		c.Status = domain.StatusDraft
	}
	c.Endpoints = slices.Clone(c.Endpoints)
	s.campaigns[c.ID] = &c
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetCampaign"); err != nil {
		return domain.Campaign{}, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	out := *c
	out.Endpoints = slices.Clone(c.Endpoints)
	return out, nil
}

func (s *Store) GetCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetCampaignStatus"); err != nil {
		return "", err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return c.Status, nil
}

func (s *Store) TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("TransitionStatus"); err != nil {
		return false, err
	}
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !slices.Contains(in.From, c.Status) {
		return false, nil
	}
	c.Status = in.To
	if in.To == domain.StatusRunning && c.StartedAt == nil {
		t := in.Now
		c.StartedAt = &t
	}
	return true, nil
}

func (s *Store) SetTotalContacts(ctx context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SetTotalContacts"); err != nil {
		return err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.TotalContacts = total
	return nil
}

func (s *Store) IncrementCounters(ctx context.Context, id string, sent, failed int) (domain.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementCounters"); err != nil {
		return domain.Counters{}, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Counters{}, domain.ErrNotFound
	}
	c.SentCount += sent
	c.FailedCount += failed
	return domain.Counters{TotalContacts: c.TotalContacts, SentCount: c.SentCount, FailedCount: c.FailedCount}, nil
}

func (s *Store) FinishCampaign(ctx context.Context, in store.CampaignFinish) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("FinishCampaign"); err != nil {
		return false, err
	}
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if c.Status != domain.StatusRunning {
		return false, nil
	}
	c.Status = in.Status
	c.LastError = in.LastError
	t := in.Now
	c.CompletedAt = &t
	return true, nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("DeleteCampaign"); err != nil {
		return false, err
	}
	c, ok := s.campaigns[id]
	if !ok || c.Status == domain.StatusRunning {
		return false, nil
	}
	delete(s.campaigns, id)
	s.records = slices.DeleteFunc(s.records, func(r domain.SendRecord) bool { return r.CampaignID == id })
	return true, nil
}

func (s *Store) ListCampaignIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListCampaignIDsByStatus"); err != nil {
		return nil, err
	}
	var ids []string
	for id, c := range s.campaigns {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListDueScheduled"); err != nil {
		return nil, err
	}
	var ids []string
	for id, c := range s.campaigns {
		if c.Status == domain.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) InsertSendRecord(ctx context.Context, in store.SendRecordInsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("InsertSendRecord"); err != nil {
		return err
	}
	s.records = append(s.records, domain.SendRecord{
		ID:         in.ID,
		CampaignID: in.CampaignID,
		ContactID:  in.ContactID,
		EndpointID: in.EndpointID,
		Status:     domain.SendPending,
		CreatedAt:  in.Now,
		UpdatedAt:  in.Now,
	})
	return nil
}

func (s *Store) UpdateSendRecord(ctx context.Context, in store.SendRecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateSendRecord"); err != nil {
		return err
	}
	for i := range s.records {
		if s.records[i].ID == in.ID {
			s.records[i].Status = in.Status
			s.records[i].Error = in.Error
			s.records[i].UpdatedAt = in.Now
			return nil
		}
	}
	return domain.ErrNotFound
}

// ListSendRecords returns the campaign's records in creation order.
func (s *Store) ListSendRecords(ctx context.Context, campaignID string) ([]domain.SendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListSendRecords"); err != nil {
		return nil, err
	}
	var out []domain.SendRecord
	for _, r := range s.records {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AttemptedContacts(ctx context.Context, campaignID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AttemptedContacts"); err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, r := range s.records {
		if r.CampaignID == campaignID && r.Status != domain.SendPending {
			out[r.ContactID] = true
		}
	}
	return out, nil
}

func (s *Store) InsertContact(ctx context.Context, c domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("InsertContact"); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = util.NowUTC()
	}
	s.contacts = append(s.contacts, c)
	return nil
}

func (s *Store) ListContacts(ctx context.Context, excludeStages []string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListContacts"); err != nil {
		return nil, err
	}
	var out []domain.Contact
	for _, c := range s.contacts {
		if !slices.Contains(excludeStages, c.Stage) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) GetContactsByIDs(ctx context.Context, ids []string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetContactsByIDs"); err != nil {
		return nil, err
	}
	var out []domain.Contact
	for _, c := range s.contacts {
		if slices.Contains(ids, c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) FindContacts(ctx context.Context, crit domain.SegmentCriteria) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("FindContacts"); err != nil {
		return nil, err
	}
	var out []domain.Contact
	for _, c := range s.contacts {
		if len(crit.Stages) > 0 && !slices.Contains(crit.Stages, c.Stage) {
			continue
		}
		if len(crit.Sources) > 0 && !slices.Contains(crit.Sources, c.Source) {
			continue
		}
		if crit.CreatedFrom != nil && c.CreatedAt.Before(*crit.CreatedFrom) {
			continue
		}
		if crit.CreatedTo != nil && c.CreatedAt.After(*crit.CreatedTo) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpsertContactByPhone(ctx context.Context, phone, source string, now time.Time) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertContactByPhone"); err != nil {
		return domain.Contact{}, err
	}
	for _, c := range s.contacts {
		if c.Phone == phone {
			return c, nil
		}
	}
	c := domain.Contact{
		ID:        util.NewID("ct"),
		Name:      phone,
		Phone:     phone,
		Source:    source,
		CreatedAt: now,
	}
	s.contacts = append(s.contacts, c)
	return c, nil
}

func (s *Store) UpsertEndpointStatus(ctx context.Context, in store.EndpointStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertEndpointStatus"); err != nil {
		return err
	}
	s.endpoints[in.EndpointID] = domain.Endpoint{ID: in.EndpointID, Status: in.Status, UpdatedAt: in.Now}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetEndpoint"); err != nil {
		return domain.Endpoint{}, err
	}
	ep, ok := s.endpoints[id]
	if !ok {
		return domain.Endpoint{}, domain.ErrNotFound
	}
	return ep, nil
}

// SetStatus overwrites a campaign status without transition checks. It mirrors
// an operator editing the row directly and is meant for tests.
func (s *Store) SetStatus(id string, status domain.CampaignStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.Status = status
	}
}
