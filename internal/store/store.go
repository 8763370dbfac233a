// Package store defines the abstract transactional repository the engine,
// dispatcher and broadcast runner depend on. internal/store/postgres
// implements it against PostgreSQL; internal/store/memstore implements it
// in-memory for tests.
package store

import (
	"context"
	"errors"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
)

// ErrNotFound is returned by any Get/FindOne lookup that matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by an optimistic-concurrency write that lost the
// race on a session's updatedAt lease (see spec.md §5).
var ErrConflict = errors.New("store: conflicting concurrent write")

// Store is the persistence boundary. Every mutation the engine, dispatcher
// and broadcast runner make goes through it; nothing else touches storage.
type Store interface {
	// Tenants
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	FindTenantByPhoneNumberID(ctx context.Context, metaPhoneNumberID string) (*domain.Tenant, error)
	FirstTenant(ctx context.Context) (*domain.Tenant, error)

	// Contacts
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	FindContact(ctx context.Context, tenantID, phone string) (*domain.Contact, error)
	UpsertContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error)
	UpdateContactName(ctx context.Context, id, name string) error
	ListContactsByTag(ctx context.Context, tenantID, tag string) ([]*domain.Contact, error)
	ListContactsByIDs(ctx context.Context, tenantID string, ids []string) ([]*domain.Contact, error)

	// Flows
	GetFlow(ctx context.Context, id string) (*domain.Flow, error)
	ListActiveFlows(ctx context.Context, tenantID, channel string) ([]*domain.Flow, error)

	// Sessions
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	FindSessionByContactFlow(ctx context.Context, contactID, flowID string) (*domain.Session, error)
	FindActiveSessionForContact(ctx context.Context, contactID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, s *domain.Session) (*domain.Session, error)
	// SaveSessionProgress is a conditional write keyed on the session's
	// last-known updatedAt; it returns ErrConflict if another writer has
	// moved the session since it was loaded.
	SaveSessionProgress(ctx context.Context, s *domain.Session, expectUpdatedAtUnixNano int64) error

	// Broadcasts
	CreateBroadcast(ctx context.Context, b *domain.Broadcast) (*domain.Broadcast, error)
	GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error)
	UpdateBroadcastStatus(ctx context.Context, id string, status domain.BroadcastStatus, successCount, failureCount int) error
	CreateBroadcastRecipients(ctx context.Context, recipients []*domain.BroadcastRecipient) error
	UpdateBroadcastRecipient(ctx context.Context, r *domain.BroadcastRecipient) error
	FindRecipientByMessageID(ctx context.Context, tenantID, messageID string) (*domain.BroadcastRecipient, error)
	IncrementBroadcastCounters(ctx context.Context, broadcastID string, successDelta, failureDelta int) error

	// Messages (optional observational log)
	AppendMessage(ctx context.Context, m *domain.Message) error
	LatestOutboundMessage(ctx context.Context, sessionID string) (*domain.Message, error)
}
