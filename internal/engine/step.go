package engine

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/metrics"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/template"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
)

var apiHTTPClient = &http.Client{Timeout: APITimeout}

// step executes one node's side effects and reports how the loop should
// proceed, per the per-node-type table in spec.md §4.2.
func (r *invocation) step(node *domain.Node) (stepOutcome, string, error) {
	start := time.Now()
	defer func() {
		metrics.StepDuration.WithLabelValues(string(node.Type)).Observe(time.Since(start).Seconds())
		metrics.FlowSteps.WithLabelValues(string(node.Type)).Inc()
	}()

	switch node.Type {
	case domain.NodeTrigger:
		return r.defaultContinue(node)

	case domain.NodeMessage:
		msg := r.buildMessageOutbound(node)
		if err := r.send(node, msg); err != nil {
			return 0, "", err
		}
		return r.defaultContinue(node)

	case domain.NodeWhatsAppFlow:
		msg := transport.OutboundMessage{
			Kind:       transport.KindFlow,
			FlowHeader: r.expand(str(node.Data, "header")),
			FlowBody:   r.expand(str(node.Data, "body")),
			FlowFooter: r.expand(str(node.Data, "footer")),
			FlowCTA:    r.expand(str(node.Data, "cta")),
		}
		if err := r.send(node, msg); err != nil {
			return 0, "", err
		}
		return r.defaultContinue(node)

	case domain.NodeOptions:
		labels := domain.SortedOptionLabels(node)
		if len(labels) > BroadcastMaxButtons {
			r.engine.logger.Warn("options node exceeds wire button limit; truncated on send",
				zap.String("node_id", node.ID), zap.Int("count", len(labels)))
		}
		msg := transport.OutboundMessage{
			Kind:         transport.KindOptions,
			OptionsText:  r.expand(str(node.Data, "text")),
			OptionLabels: labels,
		}
		if err := r.send(node, msg); err != nil {
			return 0, "", err
		}
		return outcomeSuspend, "", nil

	case domain.NodeDelay:
		seconds, _ := node.Data["seconds"].(float64)
		ms := time.Duration(seconds*1000) * time.Millisecond
		if ms > MaxDelayMS*time.Millisecond {
			ms = MaxDelayMS * time.Millisecond
		}
		timer := time.NewTimer(ms)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return 0, "", r.ctx.Err()
		case <-timer.C:
		}
		return r.defaultContinue(node)

	case domain.NodeCondition:
		expr, _ := node.Data["expression"].(string)
		result := template.EvalBool(expr, r.sess.Context, r.engine.logger)
		handle := domain.HandleFalse
		if result {
			handle = domain.HandleTrue
		}
		edge, ok := r.graph.EdgeByHandle(node.ID, handle)
		if !ok {
			return outcomeDeadEnd, "", nil
		}
		return outcomeContinue, edge.Target, nil

	case domain.NodeAPI:
		r.runAPI(node)
		return r.defaultContinue(node)

	case domain.NodeAssign:
		key, _ := node.Data["key"].(string)
		value, _ := node.Data["value"].(string)
		setDotted(r.sess.Context, key, r.expand(value))
		return r.defaultContinue(node)

	case domain.NodeMedia:
		mediaType, _ := node.Data["mediaType"].(string)
		switch mediaType {
		case "image", "video", "audio", "document":
		default:
			mediaType = "image"
		}
		msg := transport.OutboundMessage{
			Kind:      transport.KindMedia,
			MediaType: mediaType,
			MediaURL:  r.expand(str(node.Data, "url")),
			Caption:   r.expand(str(node.Data, "caption")),
		}
		if err := r.send(node, msg); err != nil {
			return 0, "", err
		}
		return r.defaultContinue(node)

	case domain.NodeHandoff:
		return outcomeSuspend, "", nil

	case domain.NodeGoto:
		target, _ := node.Data["targetNodeId"].(string)
		if target == "" {
			return outcomeDeadEnd, "", nil
		}
		return outcomeContinue, target, nil

	case domain.NodeEnd:
		return outcomeTerminal, "", nil

	default:
		return outcomeDeadEnd, "", nil
	}
}

// defaultContinue advances via the node's single default outbound edge, or
// dead-ends if it has none.
func (r *invocation) defaultContinue(node *domain.Node) (stepOutcome, string, error) {
	edge, ok := r.graph.FirstDefaultEdge(node.ID)
	if !ok {
		return outcomeDeadEnd, "", nil
	}
	return outcomeContinue, edge.Target, nil
}

func (r *invocation) buildMessageOutbound(node *domain.Node) transport.OutboundMessage {
	useTemplate, _ := node.Data["useTemplate"].(bool)
	if !useTemplate {
		return transport.OutboundMessage{Kind: transport.KindText, Text: r.expand(str(node.Data, "text"))}
	}
	params, _ := node.Data["templateParameters"].([]interface{})
	out := make([]transport.TemplateParameter, 0, len(params))
	for _, p := range params {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, transport.TemplateParameter{
			Component: str(m, "component"),
			Type:      str(m, "type"),
			Value:     r.expand(str(m, "value")),
		})
	}
	return transport.OutboundMessage{
		Kind:               transport.KindTemplate,
		TemplateName:       str(node.Data, "templateName"),
		TemplateLanguage:   str(node.Data, "templateLanguage"),
		TemplateParameters: out,
	}
}

// send resolves the owning tenant and contact phone, then delegates to the
// bound Transport, classifying a *transport.CredentialError into the one
// error type that aborts the invocation (spec.md §4.2, §7).
func (r *invocation) send(node *domain.Node, msg transport.OutboundMessage) error {
	tenant, err := r.engine.store.GetTenant(r.ctx, r.sess.TenantID)
	if err != nil {
		metrics.OutboundSends.WithLabelValues(string(msg.Kind), "transient_error").Inc()
		return err
	}
	phone := ""
	if r.sess.Contact != nil {
		phone = r.sess.Contact.Phone
	}

	sendCtx, cancel := transport.WithSendTimeout(r.ctx)
	defer cancel()

	result, sendErr := r.tp.Send(sendCtx, tenant, phone, msg)
	if sendErr == nil {
		r.sess.LastMessageID = result.MessageID
		r.sess.LastConversationID = result.ConversationID
		metrics.OutboundSends.WithLabelValues(string(msg.Kind), "ok").Inc()
		return nil
	}

	var credErr *transport.CredentialError
	if errorsAsCredential(sendErr, &credErr) {
		metrics.OutboundSends.WithLabelValues(string(msg.Kind), "credential_error").Inc()
		r.sess.CurrentNodeID = node.ID
		r.persist()
		return &SendAbortedError{Cause: sendErr}
	}

	// Transient send failure: logged, flow continues (spec.md §7
	// "Transient" — never aborts the invocation by itself).
	metrics.OutboundSends.WithLabelValues(string(msg.Kind), "transient_error").Inc()
	r.engine.logger.Warn("outbound send failed with a transient error",
		zap.String("node_id", node.ID), zap.Error(sendErr))
	return nil
}

func errorsAsCredential(err error, target **transport.CredentialError) bool {
	for err != nil {
		if ce, ok := err.(*transport.CredentialError); ok {
			*target = ce
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

// runAPI performs the outbound HTTP call an api node describes, assigning
// its parsed result (or an error placeholder) into context. API failures
// are Transient per spec.md §7 and never abort the invocation.
func (r *invocation) runAPI(node *domain.Node) {
	assignTo, _ := node.Data["assignTo"].(string)
	method, _ := node.Data["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url := r.expand(str(node.Data, "url"))

	var bodyReader io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		if body, ok := node.Data["body"].(string); ok && body != "" {
			bodyReader = strings.NewReader(r.expand(body))
		}
	}

	req, err := http.NewRequestWithContext(r.ctx, method, url, bodyReader)
	if err != nil {
		r.assignAPIError(assignTo, err)
		return
	}
	if headers, ok := node.Data["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, r.expand(s))
			}
		}
	}

	resp, err := apiHTTPClient.Do(req)
	if err != nil {
		r.assignAPIError(assignTo, err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		r.assignAPIError(assignTo, err)
		return
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}
	if assignTo != "" {
		setDotted(r.sess.Context, assignTo, parsed)
	}
}

func (r *invocation) assignAPIError(assignTo string, err error) {
	r.engine.logger.Warn("api node call failed", zap.Error(err))
	if assignTo != "" {
		setDotted(r.sess.Context, assignTo, map[string]interface{}{"error": "API call failed"})
	}
}

// str reads a string field from a node's Data map, defaulting to "".
func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// setDotted assigns value at a (possibly nested) dotted key within context,
// creating intermediate maps as needed. It is shared by the assign and api
// node types (spec.md §4.2).
func setDotted(ctx map[string]interface{}, dottedKey string, value interface{}) {
	parts := strings.Split(dottedKey, ".")
	cur := ctx
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
}
