// Package engine implements the Flow Execution Engine: the stateful
// interpreter that advances a session across its flow's graph, resolving
// templated strings against the session context, invoking outbound sends,
// and pausing or terminating the session as the graph dictates
// (spec.md §4.2).
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/metrics"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/normalize"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/template"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
)

// Operational constants (spec.md §6.4).
const (
	SafeMaxSteps        = 500
	MaxDelayMS          = 60_000
	APITimeout          = 15 * time.Second
	BroadcastMaxButtons = 3
	TextLimit           = 4096
)

// InteractiveMeta describes the triggering event's interactive payload, when
// the inbound message was a button/list reply rather than free text
// (spec.md §4.2 "inboundMeta").
type InteractiveMeta struct {
	Type  string
	ID    string
	Title string
}

// InboundMeta is the optional metadata accompanying inboundText.
type InboundMeta struct {
	Type        string
	RawText     string
	Interactive *InteractiveMeta
}

// Engine advances sessions across their flow's graph.
type Engine struct {
	store  store.Store
	logger *zap.Logger
}

// New constructs an Engine bound to the given Store.
func New(st store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, logger: logger}
}

// Execute advances session by one inbound event, per spec.md §4.2. The
// returned error is non-nil only for a *SendAbortedError (a credential
// failure reported by transport) or when sess.Flow was not hydrated by the
// caller; every other internal failure is absorbed, recorded on the
// session, and reported as a nil error.
func (e *Engine) Execute(ctx context.Context, sess *domain.Session, inboundText string, tp transport.Transport, meta *InboundMeta) error {
	if sess.Flow == nil {
		return fmt.Errorf("engine: session %s has no hydrated flow", sess.ID)
	}
	graph := &sess.Flow.Definition
	if err := graph.Validate(); err != nil {
		e.logger.Error("flow graph failed validation; invocation rejected",
			zap.String("flow_id", sess.FlowID), zap.Error(err))
		metrics.FlowInvocations.WithLabelValues("validation_rejected").Inc()
		return nil
	}

	run := &invocation{
		engine:  e,
		ctx:     ctx,
		sess:    sess,
		graph:   graph,
		tp:      tp,
		visited: map[string]bool{},
	}

	startNodeID, entered := run.resolveEntry(inboundText, meta)
	if !entered {
		metrics.FlowInvocations.WithLabelValues("no_match").Inc()
		return nil
	}
	if startNodeID == "" {
		// Handoff: remain paused, consume nothing.
		metrics.FlowInvocations.WithLabelValues("handoff_noop").Inc()
		return nil
	}

	node := graph.NodeByID(startNodeID)
	if node == nil {
		e.logger.Warn("resolved entry node missing from graph; completing as dead-end",
			zap.String("node_id", startNodeID))
		run.complete()
		metrics.FlowInvocations.WithLabelValues("dead_end").Inc()
		return nil
	}

	err := run.loop(node)
	if err != nil {
		var aborted *SendAbortedError
		if as(err, &aborted) {
			metrics.FlowInvocations.WithLabelValues("send_aborted").Inc()
			return err
		}
		// Any other internal failure is absorbed: mark Errored and swallow.
		e.logger.Error("engine invocation failed; session marked errored",
			zap.String("session_id", sess.ID), zap.Error(err))
		run.fail()
		metrics.FlowInvocations.WithLabelValues("errored").Inc()
		return nil
	}
	metrics.FlowInvocations.WithLabelValues(string(sess.Status)).Inc()
	return nil
}

// as is a tiny errors.As wrapper kept local to avoid importing the stdlib
// errors package purely for this one call site alongside pkg/errors.
func as(err error, target **SendAbortedError) bool {
	for err != nil {
		if se, ok := err.(*SendAbortedError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// invocation is the per-Execute-call state: the local visited set and the
// running context, never shared across invocations (spec.md §5 "Shared
// resource policy").
type invocation struct {
	engine  *Engine
	ctx     context.Context
	sess    *domain.Session
	graph   *domain.Graph
	tp      transport.Transport
	visited map[string]bool
	steps   int
}

// resolveEntry implements spec.md §4.2 "Entry logic". It returns the node id
// to begin execution from, and whether the invocation should proceed at
// all. An empty nodeID with entered=true signals the handoff no-op case.
func (r *invocation) resolveEntry(inboundText string, meta *InboundMeta) (nodeID string, entered bool) {
	sess := r.sess

	if sess.Status == domain.SessionStatusPaused && sess.CurrentNodeID != "" {
		node := r.graph.NodeByID(sess.CurrentNodeID)
		if node != nil && node.Type == domain.NodeOptions {
			return r.resolveOptionsResume(node, inboundText)
		}
		if node != nil && node.Type == domain.NodeHandoff {
			return "", true
		}
	}

	trigger := r.graph.TriggerNode()
	if trigger == nil {
		return "", false
	}
	keyword, _ := trigger.Data["keyword"].(string)
	if normalize.Keyword(keyword) != normalize.Keyword(inboundText) {
		return "", false
	}

	if sess.Context == nil {
		sess.Context = map[string]interface{}{}
	}
	sess.Context["triggerMessage"] = inboundText
	sess.Status = domain.SessionStatusActive
	return trigger.ID, true
}

func (r *invocation) resolveOptionsResume(node *domain.Node, inboundText string) (string, bool) {
	labels := domain.SortedOptionLabels(node)
	normalizedInput := strings.TrimSpace(strings.ToLower(inboundText))

	for i, label := range labels {
		if strings.TrimSpace(strings.ToLower(label)) == normalizedInput {
			if edge, ok := r.graph.EdgeByHandle(node.ID, fmt.Sprintf("opt-%d", i)); ok {
				return edge.Target, true
			}
		}
	}
	if edge, ok := r.graph.EdgeByHandle(node.ID, domain.HandleNoMatch); ok {
		return edge.Target, true
	}
	// Neither an option match nor a no-match arc: dead-end completion.
	r.sess.Status = domain.SessionStatusCompleted
	r.sess.CurrentNodeID = ""
	r.persist()
	return "", false
}

// loop drives node-by-node execution until the session suspends,
// terminates, or an unrecoverable condition is hit.
func (r *invocation) loop(node *domain.Node) error {
	for {
		if r.steps >= SafeMaxSteps {
			r.sess.Status = domain.SessionStatusErrored
			r.persist()
			return ErrStepGuardExceeded
		}
		if r.visited[node.ID] {
			r.sess.Status = domain.SessionStatusErrored
			r.persist()
			return ErrCycleDetected
		}
		r.visited[node.ID] = true
		r.steps++

		outcome, next, err := r.step(node)
		if err != nil {
			return err
		}

		switch outcome {
		case outcomeSuspend:
			r.sess.CurrentNodeID = node.ID
			r.sess.Status = domain.SessionStatusPaused
			r.persist()
			return nil
		case outcomeTerminal:
			r.complete()
			return nil
		case outcomeDeadEnd:
			r.complete()
			return nil
		case outcomeContinue:
			r.sess.CurrentNodeID = node.ID
			r.persist()
			nextNode := r.graph.NodeByID(next)
			if nextNode == nil {
				r.complete()
				return nil
			}
			node = nextNode
		}
	}
}

type stepOutcome int

const (
	outcomeContinue stepOutcome = iota
	outcomeSuspend
	outcomeTerminal
	outcomeDeadEnd
)

func (r *invocation) complete() {
	r.sess.Status = domain.SessionStatusCompleted
	r.sess.CurrentNodeID = ""
	r.persist()
}

func (r *invocation) fail() {
	r.sess.Status = domain.SessionStatusErrored
	r.persist()
}

// persist durably writes currentNodeId and context, at least once per node
// transition (spec.md §4.2 "Observable side effects"). Store-level
// optimistic-concurrency conflicts are logged and otherwise ignored: the
// invocation already owns this session exclusively per spec.md §5.
func (r *invocation) persist() {
	expected := r.sess.UpdatedAt.UnixNano()
	if err := r.engine.store.SaveSessionProgress(r.ctx, r.sess, expected); err != nil {
		r.engine.logger.Warn("failed to persist session progress",
			zap.String("session_id", r.sess.ID), zap.Error(err))
	}
}

func (r *invocation) expand(s string) string {
	return template.Expand(s, r.sess.Context)
}
