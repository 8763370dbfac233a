package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store/memstore"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
)

type recordingTransport struct {
	sentTo  []string
	failAt  string
	credErr bool
}

func (rt *recordingTransport) Send(_ context.Context, _ *domain.Tenant, phone string, _ transport.OutboundMessage) (transport.SendResult, error) {
	if rt.failAt != "" && phone == rt.failAt {
		if rt.credErr {
			return transport.SendResult{}, &transport.CredentialError{Message: "access token expired or unauthorized"}
		}
		return transport.SendResult{}, assertErr{}
	}
	rt.sentTo = append(rt.sentTo, phone)
	return transport.SendResult{MessageID: "wamid." + phone}, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "transient failure" }

func fixtureFlow(tenantID string) *domain.Flow {
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "promo"}},
			{ID: "msg", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "Big sale!"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "msg"},
			{ID: "e2", Source: "msg", Target: "end"},
		},
	}
	return &domain.Flow{ID: "flow-promo", TenantID: tenantID, Trigger: "promo", Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
}

// S4: a clean broadcast over three recipients sends to all of them and
// completes with no failures.
func TestRunner_AllRecipientsSucceed(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1"}
	st.PutTenant(tenant)
	flow := fixtureFlow(tenant.ID)
	st.PutFlow(flow)

	var contacts []*domain.Contact
	for i, phone := range []string{"111", "222", "333"} {
		c := &domain.Contact{ID: "c" + string(rune('a'+i)), TenantID: tenant.ID, Phone: phone}
		st.PutContact(c)
		contacts = append(contacts, c)
	}

	tp := &recordingTransport{}
	eng := engine.New(st, nil)
	r := New(st, eng, tp, nil, nil)

	b, err := r.store.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: tenant.ID, FlowID: flow.ID, TotalRecipients: 3})
	require.NoError(t, err)
	var recipients []*domain.BroadcastRecipient
	for _, c := range contacts {
		recipients = append(recipients, &domain.BroadcastRecipient{BroadcastID: b.ID, ContactID: c.ID, Status: domain.RecipientStatusPending})
	}
	require.NoError(t, r.store.CreateBroadcastRecipients(context.Background(), recipients))

	r.run(context.Background(), tenant, flow, b, contacts, recipients)

	assert.Len(t, tp.sentTo, 3)
	reloaded, err := st.GetBroadcast(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusCompleted, reloaded.Status)
	assert.Equal(t, 3, reloaded.SuccessCount)
	assert.Equal(t, 0, reloaded.FailureCount)
}

// S5: a credential failure partway through fails the remaining recipients
// without attempting them, per fail-fast semantics.
func TestRunner_CredentialFailureAbortsRemaining(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1"}
	st.PutTenant(tenant)
	flow := fixtureFlow(tenant.ID)
	st.PutFlow(flow)

	var contacts []*domain.Contact
	for i, phone := range []string{"111", "222", "333"} {
		c := &domain.Contact{ID: "c" + string(rune('a'+i)), TenantID: tenant.ID, Phone: phone}
		st.PutContact(c)
		contacts = append(contacts, c)
	}

	tp := &recordingTransport{failAt: "222", credErr: true}
	eng := engine.New(st, nil)
	r := New(st, eng, tp, nil, nil)

	b, err := r.store.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: tenant.ID, FlowID: flow.ID, TotalRecipients: 3})
	require.NoError(t, err)
	var recipients []*domain.BroadcastRecipient
	for _, c := range contacts {
		recipients = append(recipients, &domain.BroadcastRecipient{BroadcastID: b.ID, ContactID: c.ID, Status: domain.RecipientStatusPending})
	}
	require.NoError(t, r.store.CreateBroadcastRecipients(context.Background(), recipients))

	r.run(context.Background(), tenant, flow, b, contacts, recipients)

	assert.Equal(t, []string{"111"}, tp.sentTo)
	reloaded, err := st.GetBroadcast(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusCompletedWithError, reloaded.Status)
	assert.Equal(t, 1, reloaded.SuccessCount)
	assert.Equal(t, 2, reloaded.FailureCount)

	for _, rec := range recipients[1:] {
		assert.Equal(t, domain.RecipientStatusFailed, rec.Status)
		assert.Equal(t, credentialFailureMessage, rec.Error)
	}
}

// An all-failure broadcast (credential failure on the very first recipient)
// finalizes as Failed, not CompletedWithErrors.
func TestRunner_AllRecipientsFailFinalizesAsFailed(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1"}
	st.PutTenant(tenant)
	flow := fixtureFlow(tenant.ID)
	st.PutFlow(flow)

	var contacts []*domain.Contact
	for i, phone := range []string{"111", "222"} {
		c := &domain.Contact{ID: "c" + string(rune('a'+i)), TenantID: tenant.ID, Phone: phone}
		st.PutContact(c)
		contacts = append(contacts, c)
	}

	tp := &recordingTransport{failAt: "111", credErr: true}
	eng := engine.New(st, nil)
	r := New(st, eng, tp, nil, nil)

	b, err := r.store.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: tenant.ID, FlowID: flow.ID, TotalRecipients: 2})
	require.NoError(t, err)
	var recipients []*domain.BroadcastRecipient
	for _, c := range contacts {
		recipients = append(recipients, &domain.BroadcastRecipient{BroadcastID: b.ID, ContactID: c.ID, Status: domain.RecipientStatusPending})
	}
	require.NoError(t, r.store.CreateBroadcastRecipients(context.Background(), recipients))

	r.run(context.Background(), tenant, flow, b, contacts, recipients)

	reloaded, err := st.GetBroadcast(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusFailed, reloaded.Status)
	assert.Equal(t, 0, reloaded.SuccessCount)
	assert.Equal(t, 2, reloaded.FailureCount)
}

// Each recipient's session carries the broadcast context marker the flow's
// templates can reference.
func TestRunner_AttachesBroadcastSessionContext(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1"}
	st.PutTenant(tenant)
	flow := fixtureFlow(tenant.ID)
	flow.Name = "Promo Blast"
	st.PutFlow(flow)

	contact := &domain.Contact{ID: "ca", TenantID: tenant.ID, Phone: "111"}
	st.PutContact(contact)

	tp := &recordingTransport{}
	eng := engine.New(st, nil)
	r := New(st, eng, tp, nil, nil)

	b, err := r.store.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: tenant.ID, FlowID: flow.ID, Title: "Weekend Promo", TotalRecipients: 1})
	require.NoError(t, err)
	recipients := []*domain.BroadcastRecipient{{BroadcastID: b.ID, ContactID: contact.ID, Status: domain.RecipientStatusPending}}
	require.NoError(t, r.store.CreateBroadcastRecipients(context.Background(), recipients))

	r.run(context.Background(), tenant, flow, b, []*domain.Contact{contact}, recipients)

	sess, err := st.FindSessionByContactFlow(context.Background(), contact.ID, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "broadcast", sess.Context["source"])
	assert.Equal(t, b.ID, sess.Context["lastBroadcastId"])
	assert.Equal(t, flow.ID, sess.Context["flowId"])
	assert.Equal(t, "Promo Blast", sess.Context["flowName"])
	assert.Equal(t, "Weekend Promo", sess.Context["broadcastTitle"])
	assert.Equal(t, contact.ID, sess.Context["contactId"])
	assert.NotEmpty(t, sess.Context["attachedAt"])
}

// After a successful send, the recipient row carries the provider message
// and conversation ids from the engine's latest outbound send.
func TestRunner_RecordsMessageAndConversationIDsOnSuccess(t *testing.T) {
	st := memstore.New()
	tenant := &domain.Tenant{ID: "t1"}
	st.PutTenant(tenant)
	flow := fixtureFlow(tenant.ID)
	st.PutFlow(flow)

	contact := &domain.Contact{ID: "ca", TenantID: tenant.ID, Phone: "111"}
	st.PutContact(contact)

	tp := &recordingTransport{}
	eng := engine.New(st, nil)
	r := New(st, eng, tp, nil, nil)

	b, err := r.store.CreateBroadcast(context.Background(), &domain.Broadcast{TenantID: tenant.ID, FlowID: flow.ID, TotalRecipients: 1})
	require.NoError(t, err)
	recipients := []*domain.BroadcastRecipient{{BroadcastID: b.ID, ContactID: contact.ID, Status: domain.RecipientStatusPending}}
	require.NoError(t, r.store.CreateBroadcastRecipients(context.Background(), recipients))

	r.run(context.Background(), tenant, flow, b, []*domain.Contact{contact}, recipients)

	assert.Equal(t, "wamid.111", recipients[0].MessageID)
}
