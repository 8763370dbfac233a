// Package dispatcher implements the Inbound Dispatcher: it turns a parsed
// WhatsApp Cloud API webhook payload into Flow Execution Engine invocations
// and status-callback reconciliation (spec.md §4.3, §4.5).
package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/metrics"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/normalize"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/sessionlock"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/pkg/whatsapp"
)

// webhookProcessTimeout bounds one inbound event's end-to-end handling,
// mirroring the teacher's webhookVerificationTimeout budget.
const webhookProcessTimeout = 10 * time.Second

// Dispatcher wires the Store, Engine and Transport together on behalf of
// the HTTP webhook endpoint.
type Dispatcher struct {
	store     store.Store
	engine    *engine.Engine
	transport transport.Transport
	locker    *sessionlock.Locker
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a Dispatcher. locker may be nil, in which case sessions are
// not cross-process serialized (acceptable for single-instance deployments
// and for tests built on memstore).
func New(st store.Store, eng *engine.Engine, tp transport.Transport, locker *sessionlock.Locker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, engine: eng, transport: tp, locker: locker, logger: logger, tracer: otel.Tracer("dispatcher")}
}

// ProcessWebhookEvent handles one parsed inbound webhook payload: every
// message entry is dispatched to the Flow Execution Engine, every status
// callback is reconciled against its broadcast recipient. A single bad
// entry is logged and skipped rather than failing the whole payload — the
// webhook endpoint always returns 200 once parsing succeeds (spec.md §7).
func (d *Dispatcher) ProcessWebhookEvent(ctx context.Context, event *whatsapp.InboundWebhook) error {
	ctx, span := d.tracer.Start(ctx, "process_webhook_event",
		trace.WithAttributes(attribute.String("object", event.Object)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, webhookProcessTimeout)
	defer cancel()

	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			d.processChange(ctx, change.Value)
		}
	}
	return nil
}

func (d *Dispatcher) processChange(ctx context.Context, value whatsapp.WebhookValue) {
	tenant, err := d.store.FindTenantByPhoneNumberID(ctx, value.Metadata.PhoneNumberID)
	if err != nil {
		d.logger.Warn("webhook change references unknown phone number id",
			zap.String("phone_number_id", value.Metadata.PhoneNumberID), zap.Error(err))
		metrics.DispatchedMessages.WithLabelValues("unknown_tenant").Inc()
		return
	}

	profileNames := make(map[string]string, len(value.Contacts))
	for _, c := range value.Contacts {
		if c.Profile.Name != "" {
			profileNames[c.WaID] = c.Profile.Name
		}
	}

	for _, msg := range value.Messages {
		d.processInboundMessage(ctx, tenant, msg, profileNames)
	}
	for _, status := range value.Statuses {
		if err := Reconcile(ctx, d.store, tenant.ID, status); err != nil {
			d.logger.Warn("failed to reconcile status callback", zap.String("message_id", status.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) processInboundMessage(ctx context.Context, tenant *domain.Tenant, msg whatsapp.InboundMessage, profileNames map[string]string) {
	text, meta := extractText(msg)
	if text == "" {
		// No usable text or interactive reply to match or forward to the
		// engine: nothing this dispatcher can act on (spec.md §4.3 step 5a).
		metrics.DispatchedMessages.WithLabelValues("no_usable_text").Inc()
		return
	}

	phone := normalize.Phone(msg.From)
	contact, err := d.store.UpsertContact(ctx, &domain.Contact{TenantID: tenant.ID, Phone: phone, Name: profileNames[msg.From]})
	if err != nil {
		d.logger.Error("failed to upsert contact", zap.Error(err))
		metrics.DispatchedMessages.WithLabelValues("store_error").Inc()
		return
	}

	sess, err := d.store.FindActiveSessionForContact(ctx, contact.ID)
	var flow *domain.Flow
	if err == nil {
		flow, err = d.store.GetFlow(ctx, sess.FlowID)
		if err != nil {
			d.logger.Error("active session references missing flow", zap.Error(err))
			metrics.DispatchedMessages.WithLabelValues("store_error").Inc()
			return
		}
	} else if err == store.ErrNotFound {
		flows, listErr := d.store.ListActiveFlows(ctx, tenant.ID, "whatsapp")
		if listErr != nil {
			d.logger.Error("failed to list active flows", zap.Error(listErr))
			metrics.DispatchedMessages.WithLabelValues("store_error").Inc()
			return
		}
		interactiveTitle, interactiveID := "", ""
		if meta.Interactive != nil {
			interactiveTitle = meta.Interactive.Title
			interactiveID = meta.Interactive.ID
		}
		flow = matchFlow(flows, text, interactiveTitle, interactiveID)
		if flow == nil {
			metrics.DispatchedMessages.WithLabelValues("no_flow_matched").Inc()
			return
		}
		sess, err = d.store.UpsertSession(ctx, &domain.Session{
			ContactID: contact.ID,
			FlowID:    flow.ID,
			TenantID:  tenant.ID,
			Status:    domain.SessionStatusActive,
			Context:   map[string]interface{}{},
		})
		if err != nil {
			d.logger.Error("failed to create session", zap.Error(err))
			metrics.DispatchedMessages.WithLabelValues("store_error").Inc()
			return
		}
	} else {
		d.logger.Error("failed to look up active session", zap.Error(err))
		metrics.DispatchedMessages.WithLabelValues("store_error").Inc()
		return
	}

	sess.Flow = flow
	sess.Contact = contact

	run := func(ctx context.Context) error { return d.engine.Execute(ctx, sess, text, d.transport, meta) }
	var err2 error
	if d.locker != nil {
		err2 = d.locker.WithLock(ctx, sessionlock.Key(contact.ID, flow.ID), run)
	} else {
		err2 = run(ctx)
	}
	if err2 != nil {
		d.logger.Warn("flow execution aborted", zap.String("session_id", sess.ID), zap.Error(err2))
		metrics.DispatchedMessages.WithLabelValues("send_aborted").Inc()
		return
	}
	metrics.DispatchedMessages.WithLabelValues("ok").Inc()
}

// extractText derives the inbound text the engine matches against: the
// free-text body for text messages, or the selected button/list title for
// interactive replies (spec.md §6.1).
func extractText(msg whatsapp.InboundMessage) (string, *engine.InboundMeta) {
	meta := &engine.InboundMeta{Type: msg.Type}
	if msg.Text != nil {
		meta.RawText = msg.Text.Body
		return msg.Text.Body, meta
	}
	if msg.Interactive != nil {
		reply := msg.Interactive.ButtonReply
		if reply == nil {
			reply = msg.Interactive.ListReply
		}
		if reply != nil {
			meta.Interactive = &engine.InteractiveMeta{Type: msg.Interactive.Type, ID: reply.ID, Title: reply.Title}
			meta.RawText = reply.Title
			return reply.Title, meta
		}
	}
	return "", meta
}
