package engine_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store/memstore"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
)

// fakeTransport records every Send call and optionally fails it.
type fakeTransport struct {
	sent []transport.OutboundMessage
	err  error
}

func (f *fakeTransport) Send(_ context.Context, _ *domain.Tenant, _ string, msg transport.OutboundMessage) (transport.SendResult, error) {
	if f.err != nil {
		return transport.SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return transport.SendResult{MessageID: "wamid.test"}, nil
}

func newFixture(t *testing.T) (*memstore.Store, *domain.Tenant, *domain.Contact) {
	t.Helper()
	st := memstore.New()
	tenant := &domain.Tenant{ID: "tenant-1", Name: "Acme", PhoneNumberID: "pn-1"}
	contact := &domain.Contact{ID: "contact-1", TenantID: tenant.ID, Phone: "15551234567"}
	st.PutTenant(tenant)
	st.PutContact(contact)
	return st, tenant, contact
}

func newSession(t *testing.T, st *memstore.Store, flow *domain.Flow, contact *domain.Contact) *domain.Session {
	t.Helper()
	sess, err := st.UpsertSession(context.Background(), &domain.Session{
		ContactID: contact.ID,
		FlowID:    flow.ID,
		TenantID:  flow.TenantID,
		Status:    domain.SessionStatusActive,
		Context:   map[string]interface{}{},
	})
	require.NoError(t, err)
	sess.Flow = flow
	sess.Contact = contact
	return sess
}

// S1: a keyword trigger flows straight into a message node, then ends.
func TestExecute_SimpleTriggerAndReply(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "hola"}},
			{ID: "msg", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "Hello {{contact.name}}!"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "msg"},
			{ID: "e2", Source: "msg", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-1", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)

	tp := &fakeTransport{}
	e := engine.New(st, nil)
	err := e.Execute(context.Background(), sess, "Hola", tp, &engine.InboundMeta{RawText: "Hola"})
	require.NoError(t, err)

	assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "", sess.CurrentNodeID)
	require.Len(t, tp.sent, 1)
	assert.Equal(t, transport.KindText, tp.sent[0].Kind)
	assert.Equal(t, "Hello !", tp.sent[0].Text)
	assert.Equal(t, "wamid.test", sess.LastMessageID)
}

// A non-matching inbound against a fresh session is a true no-op.
func TestExecute_NoMatchFreshSessionIsNoop(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "hola"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{{ID: "e1", Source: "trigger", Target: "end"}},
	}
	flow := &domain.Flow{ID: "flow-1", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)

	tp := &fakeTransport{}
	e := engine.New(st, nil)
	err := e.Execute(context.Background(), sess, "goodbye", tp, &engine.InboundMeta{RawText: "goodbye"})
	require.NoError(t, err)

	assert.Equal(t, domain.SessionStatusActive, sess.Status)
	assert.Empty(t, tp.sent)
}

// S2: an options node suspends the session, then resumes on a matching
// label (the no-match fallback is covered by the next test).
func TestExecute_OptionsPauseAndResume(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "menu"}},
			{ID: "opts", Type: domain.NodeOptions, Data: map[string]interface{}{
				"text":    "Pick one",
				"options": []interface{}{"Sales", "Support"},
			}},
			{ID: "sales", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "Sales team incoming"}},
			{ID: "fallback", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "Sorry, try again"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "opts"},
			{ID: "e2", Source: "opts", Target: "sales", SourceHandle: "opt-0"},
			{ID: "e3", Source: "opts", Target: "end", SourceHandle: "opt-1"},
			{ID: "e4", Source: "opts", Target: "fallback", SourceHandle: "no-match"},
			{ID: "e5", Source: "sales", Target: "end"},
			{ID: "e6", Source: "fallback", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-2", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)

	tp := &fakeTransport{}
	e := engine.New(st, nil)

	require.NoError(t, e.Execute(context.Background(), sess, "menu", tp, &engine.InboundMeta{RawText: "menu"}))
	assert.Equal(t, domain.SessionStatusPaused, sess.Status)
	assert.Equal(t, "opts", sess.CurrentNodeID)
	require.Len(t, tp.sent, 1)
	assert.Equal(t, transport.KindOptions, tp.sent[0].Kind)

	require.NoError(t, e.Execute(context.Background(), sess, "sales", tp, &engine.InboundMeta{RawText: "sales"}))
	assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
	require.Len(t, tp.sent, 2)
	assert.Equal(t, "Sales team incoming", tp.sent[1].Text)
}

func TestExecute_OptionsResumeFallsBackOnNoMatch(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "menu"}},
			{ID: "opts", Type: domain.NodeOptions, Data: map[string]interface{}{
				"text":    "Pick one",
				"options": []interface{}{"Sales", "Support"},
			}},
			{ID: "fallback", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "Sorry, try again"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "opts"},
			{ID: "e2", Source: "opts", Target: "end", SourceHandle: "opt-0"},
			{ID: "e3", Source: "opts", Target: "end", SourceHandle: "opt-1"},
			{ID: "e4", Source: "opts", Target: "fallback", SourceHandle: "no-match"},
			{ID: "e5", Source: "fallback", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-3", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)
	sess.Status = domain.SessionStatusPaused
	sess.CurrentNodeID = "opts"
	require.NoError(t, st.SaveSessionProgress(context.Background(), sess, sess.UpdatedAt.UnixNano()))

	tp := &fakeTransport{}
	e := engine.New(st, nil)
	require.NoError(t, e.Execute(context.Background(), sess, "gibberish", tp, &engine.InboundMeta{RawText: "gibberish"}))

	assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
	require.Len(t, tp.sent, 1)
	assert.Equal(t, "Sorry, try again", tp.sent[0].Text)
}

// S3: condition node branches true/false on the session context.
func TestExecute_ConditionBranching(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "check"}},
			{ID: "cond", Type: domain.NodeCondition, Data: map[string]interface{}{"expression": "Number(context.age) >= 18"}},
			{ID: "adult", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "You're an adult"}},
			{ID: "minor", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "You're a minor"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "adult", SourceHandle: "true"},
			{ID: "e3", Source: "cond", Target: "minor", SourceHandle: "false"},
			{ID: "e4", Source: "adult", Target: "end"},
			{ID: "e5", Source: "minor", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-4", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)

	sess := newSession(t, st, flow, contact)
	sess.Context["age"] = 21.0
	tp := &fakeTransport{}
	e := engine.New(st, nil)
	require.NoError(t, e.Execute(context.Background(), sess, "check", tp, &engine.InboundMeta{RawText: "check"}))
	require.Len(t, tp.sent, 1)
	assert.Equal(t, "You're an adult", tp.sent[0].Text)

	st2, tenant2, contact2 := newFixture(t)
	flow2 := &domain.Flow{ID: "flow-5", TenantID: tenant2.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st2.PutFlow(flow2)
	sess2 := newSession(t, st2, flow2, contact2)
	sess2.Context["age"] = 12.0
	tp2 := &fakeTransport{}
	e2 := engine.New(st2, nil)
	require.NoError(t, e2.Execute(context.Background(), sess2, "check", tp2, &engine.InboundMeta{RawText: "check"}))
	require.Len(t, tp2.sent, 1)
	assert.Equal(t, "You're a minor", tp2.sent[0].Text)
}

// S6: a graph cycle reached through goto nodes is caught within one
// invocation and marks the session Errored rather than looping forever.
func TestExecute_CycleDetection(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "loop"}},
			{ID: "a", Type: domain.NodeGoto, Data: map[string]interface{}{"targetNodeId": "b"}},
			{ID: "b", Type: domain.NodeGoto, Data: map[string]interface{}{"targetNodeId": "a"}},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "a"},
		},
	}
	flow := &domain.Flow{ID: "flow-6", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)

	tp := &fakeTransport{}
	e := engine.New(st, nil)
	err := e.Execute(context.Background(), sess, "loop", tp, &engine.InboundMeta{RawText: "loop"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusErrored, sess.Status)
}

// A credential error from Transport aborts the invocation and parks the
// session on the node that failed to send, returning a non-nil error so
// callers (e.g. the Broadcast Runner) can fail fast.
func TestExecute_CredentialErrorAborts(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "hi"}},
			{ID: "msg", Type: domain.NodeMessage, Data: map[string]interface{}{"text": "hello"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "msg"},
			{ID: "e2", Source: "msg", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-7", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)

	tp := &fakeTransport{err: &transport.CredentialError{Message: "token expired"}}
	e := engine.New(st, nil)
	err := e.Execute(context.Background(), sess, "hi", tp, &engine.InboundMeta{RawText: "hi"})
	require.Error(t, err)
	assert.Equal(t, domain.SessionStatusActive, sess.Status)
	assert.Equal(t, "msg", sess.CurrentNodeID)
}

// An assign node writes to a dotted path, building out intermediate maps
// as needed, without disturbing sibling keys already in context.
func TestExecute_AssignBuildsNestedContext(t *testing.T) {
	st, tenant, contact := newFixture(t)
	graph := domain.Graph{
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTrigger, Data: map[string]interface{}{"keyword": "start"}},
			{ID: "a1", Type: domain.NodeAssign, Data: map[string]interface{}{"key": "profile.city", "value": "Austin"}},
			{ID: "a2", Type: domain.NodeAssign, Data: map[string]interface{}{"key": "profile.tier", "value": "gold"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "trigger", Target: "a1"},
			{ID: "e2", Source: "a1", Target: "a2"},
			{ID: "e3", Source: "a2", Target: "end"},
		},
	}
	flow := &domain.Flow{ID: "flow-8", TenantID: tenant.ID, Status: domain.FlowStatusActive, Channel: "whatsapp", Definition: graph}
	st.PutFlow(flow)
	sess := newSession(t, st, flow, contact)
	sess.Context["existing"] = "untouched"

	tp := &fakeTransport{}
	e := engine.New(st, nil)
	require.NoError(t, e.Execute(context.Background(), sess, "start", tp, &engine.InboundMeta{RawText: "start"}))

	want := map[string]interface{}{
		"existing":       "untouched",
		"triggerMessage": "start",
		"profile": map[string]interface{}{
			"city": "Austin",
			"tier": "gold",
		},
	}
	if diff := cmp.Diff(want, sess.Context); diff != "" {
		t.Fatalf("session context mismatch (-want +got):\n%s", diff)
	}
}
