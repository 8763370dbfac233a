// Package memstore is an in-memory implementation of store.Store used by
// engine, dispatcher and broadcast-runner tests. It enforces the same
// optimistic-concurrency contract on SaveSessionProgress that the postgres
// implementation does, so tests exercise the real conflict path.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu sync.Mutex

	tenants    map[string]*domain.Tenant
	contacts   map[string]*domain.Contact
	flows      map[string]*domain.Flow
	sessions   map[string]*domain.Session
	broadcasts map[string]*domain.Broadcast
	recipients map[string]*domain.BroadcastRecipient
	messages   []*domain.Message
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:    map[string]*domain.Tenant{},
		contacts:   map[string]*domain.Contact{},
		flows:      map[string]*domain.Flow{},
		sessions:   map[string]*domain.Session{},
		broadcasts: map[string]*domain.Broadcast{},
		recipients: map[string]*domain.BroadcastRecipient{},
	}
}

// Seeding helpers used by tests to populate fixtures directly.

func (s *Store) PutTenant(t *domain.Tenant) { s.mu.Lock(); defer s.mu.Unlock(); s.tenants[t.ID] = t }
func (s *Store) PutFlow(f *domain.Flow)     { s.mu.Lock(); defer s.mu.Unlock(); s.flows[f.ID] = f }
func (s *Store) PutContact(c *domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *Store) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) FindTenantByPhoneNumberID(_ context.Context, metaPhoneNumberID string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.MetaPhoneNumberID == metaPhoneNumberID {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FirstTenant(_ context.Context) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindContact(_ context.Context, tenantID, phone string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Phone == phone {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertContact(_ context.Context, c *domain.Contact) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contacts {
		if existing.TenantID == c.TenantID && existing.Phone == c.Phone {
			if c.Name != "" {
				existing.Name = c.Name
			}
			existing.UpdatedAt = time.Now()
			return existing, nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.contacts[c.ID] = c
	return c, nil
}

func (s *Store) UpdateContactName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Name = name
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListContactsByTag(_ context.Context, tenantID, _ string) ([]*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Contact
	for _, c := range s.contacts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ListContactsByIDs(_ context.Context, tenantID string, ids []string) ([]*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*domain.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) GetFlow(_ context.Context, id string) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (s *Store) ListActiveFlows(_ context.Context, tenantID, channel string) ([]*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Flow
	for _, f := range s.flows {
		if f.TenantID == tenantID && f.IsDispatchable(channel) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) FindSessionByContactFlow(_ context.Context, contactID, flowID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ContactID == contactID && sess.FlowID == flowID {
			return sess, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindActiveSessionForContact(_ context.Context, contactID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Session
	for _, sess := range s.sessions {
		if sess.ContactID != contactID {
			continue
		}
		if sess.Status != domain.SessionStatusActive && sess.Status != domain.SessionStatusPaused {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) UpsertSession(_ context.Context, sess *domain.Session) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ContactID == sess.ContactID && existing.FlowID == sess.FlowID {
			existing.Status = sess.Status
			existing.CurrentNodeID = sess.CurrentNodeID
			if sess.Context != nil {
				existing.Context = sess.Context
			}
			existing.UpdatedAt = time.Now()
			return existing, nil
		}
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Context == nil {
		sess.Context = map[string]interface{}{}
	}
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) SaveSessionProgress(_ context.Context, sess *domain.Session, expectUpdatedAtUnixNano int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.UpdatedAt.UnixNano() != expectUpdatedAtUnixNano {
		return store.ErrConflict
	}
	existing.Status = sess.Status
	existing.CurrentNodeID = sess.CurrentNodeID
	existing.Context = sess.Context
	existing.UpdatedAt = time.Now()
	sess.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *Store) CreateBroadcast(_ context.Context, b *domain.Broadcast) (*domain.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.broadcasts[b.ID] = b
	return b, nil
}

func (s *Store) GetBroadcast(_ context.Context, id string) (*domain.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) UpdateBroadcastStatus(_ context.Context, id string, status domain.BroadcastStatus, successCount, failureCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.SuccessCount = successCount
	b.FailureCount = failureCount
	b.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateBroadcastRecipients(_ context.Context, recipients []*domain.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recipients {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.StatusUpdatedAt = time.Now()
		s.recipients[r.ID] = r
	}
	return nil
}

func (s *Store) UpdateBroadcastRecipient(_ context.Context, r *domain.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipients[r.ID]; !ok {
		return store.ErrNotFound
	}
	s.recipients[r.ID] = r
	return nil
}

func (s *Store) FindRecipientByMessageID(_ context.Context, tenantID, messageID string) (*domain.BroadcastRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.MessageID != messageID {
			continue
		}
		b, ok := s.broadcasts[r.BroadcastID]
		if !ok || b.TenantID != tenantID {
			continue
		}
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) IncrementBroadcastCounters(_ context.Context, broadcastID string, successDelta, failureDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[broadcastID]
	if !ok {
		return store.ErrNotFound
	}
	b.SuccessCount += successDelta
	b.FailureCount += failureDelta
	b.UpdatedAt = time.Now()
	return nil
}

func (s *Store) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, m)
	return nil
}

func (s *Store) LatestOutboundMessage(_ context.Context, sessionID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SessionID == sessionID && m.Direction == "outbound" {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

// ListRecipients is a test helper to read back a broadcast's recipient set.
// The order of the returned recipients is not defined.
func (s *Store) ListRecipients(broadcastID string) []*domain.BroadcastRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BroadcastRecipient
	for _, r := range s.recipients {
		if r.BroadcastID == broadcastID {
			out = append(out, r)
		}
	}
	return out
}
