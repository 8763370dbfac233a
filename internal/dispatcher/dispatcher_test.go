package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/dispatcher"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store/memstore"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/pkg/whatsapp"
)

type noopTransport struct{ sent int }

func (n *noopTransport) Send(_ context.Context, _ *domain.Tenant, _ string, _ transport.OutboundMessage) (transport.SendResult, error) {
	n.sent++
	return transport.SendResult{MessageID: "wamid.1"}, nil
}

func TestProcessWebhookEvent_NewContactTriggersFlow(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1", PhoneNumberID: "pn1", MetaPhoneNumberID: "pn1"}
	st.PutTenant(tenant)

	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "hola"}},
			{ID: "msg", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "hi there"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "msg"},
			{ID: "e2", Source: "msg", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-1", TenantID: tenant.ID, Trigger: "hola", Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)

	tp := &noopTransport{}
	eng := engine.New(st, nil)
	d := dispatcher.New(st, eng, tp, nil, nil)

	event := &whatsapp.InboundWebhook{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.WebhookEntry{{
			Changes: []whatsapp.WebhookChange{{
				Value: whatsapp.WebhookValue{
					Metadata: whatsapp.WebhookMetadata{PhoneNumberID: "pn1"},
					Messages: []whatsapp.InboundMessage{{
						ID:   "wamid.in.1",
						From: "+1 (555) 123-4567",
						Type: "text",
						Text: &whatsapp.TextBody{Body: "hola"},
					}},
				},
			}},
		}},
	}

	require.NoError(t, d.ProcessWebhookEvent(context.Background(), event))
	assert.Equal(t, 1, tp.sent)

	contact, err := st.FindContact(context.Background(), tenant.ID, "15551234567")
	require.NoError(t, err)
	sess, err := st.FindSessionByContactFlow(context.Background(), contact.ID, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
}

func TestProcessWebhookEvent_UpdatesContactNameFromProfile(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1", PhoneNumberID: "pn1", MetaPhoneNumberID: "pn1"}
	st.PutTenant(tenant)

	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "hola"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{{ID: "e1", Source: "trigger", Target: "end"}},
	}
	flow := &domain.Flow{ID: "flow-1", TenantID: tenant.ID, Trigger: "hola", Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)

	tp := &noopTransport{}
	eng := engine.New(st, nil)
	d := dispatcher.New(st, eng, tp, nil, nil)

	event := &whatsapp.InboundWebhook{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.WebhookEntry{{
			Changes: []whatsapp.WebhookChange{{
				Value: whatsapp.WebhookValue{
					Metadata: whatsapp.WebhookMetadata{PhoneNumberID: "pn1"},
					Contacts: []whatsapp.WebhookContact{{WaID: "15551234567", Profile: whatsapp.Profile{Name: "Ana"}}},
					Messages: []whatsapp.InboundMessage{{
						ID:   "wamid.in.1",
						From: "15551234567",
						Type: "text",
						Text: &whatsapp.TextBody{Body: "hola"},
					}},
				},
			}},
		}},
	}

	require.NoError(t, d.ProcessWebhookEvent(context.Background(), event))

	contact, err := st.FindContact(context.Background(), tenant.ID, "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "Ana", contact.Name)
}

func TestProcessWebhookEvent_NoUsableTextIsSkippedWithoutCreatingContact(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1", PhoneNumberID: "pn1", MetaPhoneNumberID: "pn1"}
	st.PutTenant(tenant)

	tp := &noopTransport{}
	eng := engine.New(st, nil)
	d := dispatcher.New(st, eng, tp, nil, nil)

	event := &whatsapp.InboundWebhook{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.WebhookEntry{{
			Changes: []whatsapp.WebhookChange{{
				Value: whatsapp.WebhookValue{
					Metadata: whatsapp.WebhookMetadata{PhoneNumberID: "pn1"},
					Messages: []whatsapp.InboundMessage{{
						ID:   "wamid.in.1",
						From: "15551234567",
						Type: "unsupported",
					}},
				},
			}},
		}},
	}

	require.NoError(t, d.ProcessWebhookEvent(context.Background(), event))
	assert.Equal(t, 0, tp.sent)

	_, err := st.FindContact(context.Background(), tenant.ID, "15551234567")
	assert.Error(t, err)
}

func TestReconcile_UpdatesRecipientAndFailureCount(t *testing.T) {
	st := memstore.New()
	broadcast, err := st.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, st.CreateBroadcastRecipients(context.Background(), []*domain.BroadcastRecipient{
		{ID: "r1", BroadcastID: broadcast.ID, ContactID: "c1", Status: domain.RecipientStatusSent, MessageID: "wamid.1"},
	}))

	cb := whatsapp.StatusCallback{ID: "wamid.1", Status: "failed", Errors: []whatsapp.StatusError{{Message: "undeliverable"}}}
	require.NoError(t, dispatcher.Reconcile(context.Background(), st, "t1", cb))

	updated, err := st.FindRecipientByMessageID(context.Background(), "t1", "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusFailed, updated.Status)
	assert.Equal(t, "undeliverable", updated.Error)

	reloaded, err := st.GetBroadcast(context.Background(), broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.FailureCount)
}

func TestReconcile_FailedCanRecoverToDelivered(t *testing.T) {
	st := memstore.New()
	broadcast, err := st.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, st.CreateBroadcastRecipients(context.Background(), []*domain.BroadcastRecipient{
		{ID: "r1", BroadcastID: broadcast.ID, ContactID: "c1", Status: domain.RecipientStatusFailed, MessageID: "wamid.1", Error: "undeliverable"},
	}))
	require.NoError(t, st.IncrementBroadcastCounters(context.Background(), broadcast.ID, 0, 1))

	cb := whatsapp.StatusCallback{ID: "wamid.1", Status: "delivered"}
	require.NoError(t, dispatcher.Reconcile(context.Background(), st, "t1", cb))

	updated, err := st.FindRecipientByMessageID(context.Background(), "t1", "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusDelivered, updated.Status)
	assert.Empty(t, updated.Error)

	reloaded, err := st.GetBroadcast(context.Background(), broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.SuccessCount)
	assert.Equal(t, 0, reloaded.FailureCount)
}

func TestReconcile_RepeatedIdenticalStatusIsIdempotent(t *testing.T) {
	st := memstore.New()
	broadcast, err := st.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, st.CreateBroadcastRecipients(context.Background(), []*domain.BroadcastRecipient{
		{ID: "r1", BroadcastID: broadcast.ID, ContactID: "c1", Status: domain.RecipientStatusPending, MessageID: "wamid.1"},
	}))

	cb := whatsapp.StatusCallback{ID: "wamid.1", Status: "sent"}
	require.NoError(t, dispatcher.Reconcile(context.Background(), st, "t1", cb))
	require.NoError(t, dispatcher.Reconcile(context.Background(), st, "t1", cb))

	reloaded, err := st.GetBroadcast(context.Background(), broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.SuccessCount)
	assert.Equal(t, 0, reloaded.FailureCount)
}
