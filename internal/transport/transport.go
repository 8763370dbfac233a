// Package transport defines the abstract outbound channel the Flow
// Execution Engine sends through, and a WhatsApp Cloud API implementation of
// it built on a circuit breaker and a token-bucket limiter (spec.md §4, §6).
package transport

import (
	"context"
	"time"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
)

// OutboundKind enumerates the outbound payload shapes the engine may ask
// the Transport to send.
type OutboundKind string

const (
	KindText     OutboundKind = "text"
	KindMedia    OutboundKind = "media"
	KindOptions  OutboundKind = "options"
	KindFlow     OutboundKind = "flow"
	KindTemplate OutboundKind = "template"
)

// OutboundMessage is the channel-agnostic instruction the engine hands the
// Transport; transport-specific wire encoding happens inside Send.
type OutboundMessage struct {
	Kind OutboundKind

	Text string

	MediaType string
	MediaURL  string
	Caption   string

	OptionsText  string
	OptionLabels []string

	FlowHeader string
	FlowBody   string
	FlowFooter string
	FlowCTA    string

	TemplateName       string
	TemplateLanguage   string
	TemplateParameters []TemplateParameter
}

// TemplateParameter is one resolved {{component,type,value}} entry.
type TemplateParameter struct {
	Component string
	Type      string
	Value     string
}

// SendResult is what a successful or failed Send call reports back to the
// engine.
type SendResult struct {
	MessageID      string
	ConversationID string
}

// CredentialError marks an authorization/credential failure the Broadcast
// Runner must fail-fast on (spec.md §4.4 step 6, §7 "Credential").
type CredentialError struct {
	Message string
}

func (e *CredentialError) Error() string { return e.Message }

// Transport sends one outbound message to one recipient on behalf of a
// tenant, enforcing a bounded deadline per call.
type Transport interface {
	Send(ctx context.Context, tenant *domain.Tenant, recipientPhone string, msg OutboundMessage) (SendResult, error)
}

// DefaultSendTimeout bounds every Transport.Send call when the caller's
// context carries no earlier deadline.
const DefaultSendTimeout = 15 * time.Second

// WithSendTimeout returns a context bounded by DefaultSendTimeout (or the
// caller's existing, earlier deadline).
func WithSendTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultSendTimeout)
}
