// Package domain defines the entities the flow orchestrator persists and
// mutates: tenants, contacts, flows, sessions, broadcasts and their
// recipients. Types here are storage-agnostic; internal/store defines how
// they are read and written.
package domain

import (
	"encoding/json"
	"time"
)

// FlowStatus is the lifecycle state of a Flow definition.
type FlowStatus string

const (
	FlowStatusActive   FlowStatus = "active"
	FlowStatusDraft    FlowStatus = "draft"
	FlowStatusInactive FlowStatus = "inactive"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusErrored   SessionStatus = "errored"
)

// BroadcastStatus is the lifecycle state of a Broadcast.
type BroadcastStatus string

const (
	BroadcastStatusProcessing         BroadcastStatus = "processing"
	BroadcastStatusCompleted          BroadcastStatus = "completed"
	BroadcastStatusCompletedWithError BroadcastStatus = "completed_with_errors"
	BroadcastStatusFailed             BroadcastStatus = "failed"
)

// RecipientStatus is the lifecycle state of a BroadcastRecipient.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusDelivered RecipientStatus = "delivered"
	RecipientStatusRead      RecipientStatus = "read"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusWarning   RecipientStatus = "warning"
)

// Tenant owns flows, contacts and broadcasts, and carries the provider
// credentials the Transport needs to reach the messaging channel.
type Tenant struct {
	ID                 string
	Name               string
	AccessToken        string
	PhoneNumberID      string
	BusinessAccountID  string
	RegistrationPIN    string
	MetaPhoneNumberID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Contact is a unique (tenantID, phone) pair.
type Contact struct {
	ID        string
	TenantID  string
	Phone     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Flow is a tenant-owned directed graph of nodes plus the trigger keyword and
// status that gate whether it is eligible for inbound dispatch.
type Flow struct {
	ID         string
	TenantID   string
	Name       string
	Trigger    string
	Status     FlowStatus
	Channel    string
	Definition Graph
	UpdatedAt  time.Time
}

// IsDispatchable reports whether the flow may be selected for inbound
// message dispatch on the given channel.
func (f *Flow) IsDispatchable(channel string) bool {
	return f.Status == FlowStatusActive && f.Channel == channel
}

// Session is the live execution state of one contact through one flow.
type Session struct {
	ID            string
	ContactID     string
	FlowID        string
	TenantID      string
	Status        SessionStatus
	CurrentNodeID string
	Context       map[string]interface{}
	UpdatedAt     time.Time

	// LastMessageID and LastConversationID record the provider identifiers
	// returned by the most recent outbound send, so a broadcast recipient
	// row can be linked to the message the status callbacks refer to.
	LastMessageID      string
	LastConversationID string

	// Hydrated by the caller before Execute; not persisted on this struct.
	Flow    *Flow    `json:"-"`
	Contact *Contact `json:"-"`
}

// Reactivate resets the session to a fresh start for a new matching inbound,
// clearing per-run state while keeping identity fields.
func (s *Session) Reactivate() {
	s.Status = SessionStatusActive
	s.CurrentNodeID = ""
	s.Context = map[string]interface{}{}
}

// CloneContext returns a deep-enough copy of the session context suitable for
// mutation by the engine without aliasing the caller's map.
func (s *Session) CloneContext() map[string]interface{} {
	if s.Context == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(s.Context)
	if err != nil {
		out := make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			out[k] = v
		}
		return out
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// Broadcast is a fan-out of one flow over many contacts.
type Broadcast struct {
	ID              string
	TenantID        string
	FlowID          string
	Title           string
	Body            string
	FilterTag       string
	Status          BroadcastStatus
	TotalRecipients int
	SuccessCount    int
	FailureCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BroadcastRecipient tracks one contact's outbound and callback status within
// a Broadcast.
type BroadcastRecipient struct {
	ID               string
	BroadcastID      string
	ContactID        string
	Status           RecipientStatus
	SentAt           *time.Time
	StatusUpdatedAt  time.Time
	MessageID        string
	ConversationID   string
	Error            string
}

// Message is an optional observational record of one outbound or inbound
// send; the engine may persist one per send but is not required to.
type Message struct {
	ID          string
	TenantID    string
	SessionID   string
	ContactID   string
	Direction   string // "outbound" | "inbound"
	Kind        string // text, media, options, template, flow
	Body        string
	ProviderID  string
	CreatedAt   time.Time
}
