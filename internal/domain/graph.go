package domain

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// NodeType enumerates the kinds of node a Flow graph may contain.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeMessage      NodeType = "message"
	NodeOptions      NodeType = "options"
	NodeDelay        NodeType = "delay"
	NodeCondition    NodeType = "condition"
	NodeAPI          NodeType = "api"
	NodeAssign       NodeType = "assign"
	NodeMedia        NodeType = "media"
	NodeHandoff      NodeType = "handoff"
	NodeGoto         NodeType = "goto"
	NodeEnd          NodeType = "end"
	NodeWhatsAppFlow NodeType = "whatsapp_flow"
)

// Edge handle constants used by branching node types.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleNoMatch = "no-match"
)

// Node is one vertex of a Flow's directed graph. Data carries the typed
// payload for Type; unknown fields surviving a round trip through Store are
// preserved in Data's map form but ignored by the engine.
type Node struct {
	ID   string
	Type NodeType
	Data map[string]interface{}
}

// Edge is one directed arc of a Flow's graph. SourceHandle disambiguates
// outbound arcs for options ("opt-<i>"|"no-match") and condition
// ("true"|"false") nodes; it is empty for single-arc node types.
type Edge struct {
	ID            string
	Source        string
	Target        string
	SourceHandle  string
}

// Graph is the authored definition of a Flow: its nodes and the edges
// between them.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// NodeByID returns the node with the given id, or nil if absent.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutboundEdges returns the edges sourced from nodeID in stable insertion
// order.
func (g *Graph) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByHandle returns the first outbound edge from nodeID whose
// SourceHandle matches handle.
func (g *Graph) EdgeByHandle(nodeID, handle string) (Edge, bool) {
	for _, e := range g.OutboundEdges(nodeID) {
		if e.SourceHandle == handle {
			return e, true
		}
	}
	return Edge{}, false
}

// FirstDefaultEdge returns the single unhandled outbound edge of a
// non-branching node, i.e. the first edge with an empty SourceHandle (or the
// first edge at all, for node types that never set one).
func (g *Graph) FirstDefaultEdge(nodeID string) (Edge, bool) {
	edges := g.OutboundEdges(nodeID)
	if len(edges) == 0 {
		return Edge{}, false
	}
	for _, e := range edges {
		if e.SourceHandle == "" {
			return e, true
		}
	}
	return edges[0], true
}

// TriggerNode returns the graph's first trigger node, or nil if it has none.
func (g *Graph) TriggerNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTrigger {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Validate rechecks the structural invariants authoring is expected to have
// already enforced: at least one trigger, trigger is source-only, end is
// sink-only, options/condition handle cardinality, goto target existence,
// and per-node-type schema bounds. Engine.Execute runs it at the start of
// every invocation; the Store implementations do not run it on load.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}

	ids := make(map[string]NodeType, len(g.Nodes))
	triggerCount := 0
	for _, n := range g.Nodes {
		if _, dup := ids[n.ID]; dup {
			return errors.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = n.Type
		if n.Type == NodeTrigger {
			triggerCount++
		}
		if err := validateNodeData(n); err != nil {
			return errors.Wrapf(err, "node %q", n.ID)
		}
	}
	if triggerCount == 0 {
		return errors.New("graph has no trigger node")
	}

	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return errors.Errorf("edge %q references unknown source %q", e.ID, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return errors.Errorf("edge %q references unknown target %q", e.ID, e.Target)
		}
		if ids[e.Source] == NodeEnd {
			return errors.Errorf("end node %q must be a sink", e.Source)
		}
		if ids[e.Target] == NodeTrigger {
			return errors.Errorf("trigger node %q must be a source only", e.Target)
		}
	}

	for _, n := range g.Nodes {
		out := g.OutboundEdges(n.ID)
		switch n.Type {
		case NodeOptions:
			opts, _ := n.Data["options"].([]interface{})
			if len(opts) < 2 || len(opts) > 10 {
				return errors.Errorf("options node %q must declare 2..10 options", n.ID)
			}
			handles := edgeHandleSet(out)
			if _, ok := handles[HandleNoMatch]; !ok {
				return errors.Errorf("options node %q missing no-match edge", n.ID)
			}
			for i := range opts {
				h := fmt.Sprintf("opt-%d", i)
				if _, ok := handles[h]; !ok {
					return errors.Errorf("options node %q missing edge for %s", n.ID, h)
				}
			}
		case NodeCondition:
			handles := edgeHandleSet(out)
			if _, ok := handles[HandleTrue]; !ok {
				return errors.Errorf("condition node %q missing true edge", n.ID)
			}
			if _, ok := handles[HandleFalse]; !ok {
				return errors.Errorf("condition node %q missing false edge", n.ID)
			}
		case NodeEnd:
			if len(out) != 0 {
				return errors.Errorf("end node %q must have no outbound edges", n.ID)
			}
		case NodeGoto:
			target, _ := n.Data["targetNodeId"].(string)
			if target == "" {
				return errors.Errorf("goto node %q missing targetNodeId", n.ID)
			}
			if _, ok := ids[target]; !ok {
				return errors.Errorf("goto node %q targets unknown node %q", n.ID, target)
			}
		case NodeHandoff:
			// suspends; no outbound arc required
		default:
			if len(out) > 1 {
				return errors.Errorf("node %q of type %q must have at most one outbound edge", n.ID, n.Type)
			}
		}
	}

	return nil
}

func edgeHandleSet(edges []Edge) map[string]struct{} {
	out := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		out[e.SourceHandle] = struct{}{}
	}
	return out
}

func validateNodeData(n Node) error {
	switch n.Type {
	case NodeTrigger:
		kw, _ := n.Data["keyword"].(string)
		if kw == "" || len(kw) > 64 {
			return errors.New("trigger.keyword must be 1..64 chars")
		}
	case NodeMessage:
		text, _ := n.Data["text"].(string)
		useTemplate, _ := n.Data["useTemplate"].(bool)
		if !useTemplate {
			if len(text) == 0 || len(text) > 4096 {
				return errors.New("message.text must be 1..4096 chars")
			}
		}
	case NodeOptions:
		opts, _ := n.Data["options"].([]interface{})
		if len(opts) < 2 || len(opts) > 10 {
			return errors.New("options.options must declare 2..10 entries")
		}
		for _, o := range opts {
			s, _ := o.(string)
			if len(s) == 0 || len(s) > 30 {
				return errors.New("options.options entries must be 1..30 chars")
			}
		}
	case NodeDelay:
		seconds, err := numberField(n.Data, "seconds")
		if err != nil || seconds < 1 || seconds > 3600 {
			return errors.New("delay.seconds must be 1..3600")
		}
	case NodeCondition:
		expr, _ := n.Data["expression"].(string)
		if len(expr) == 0 || len(expr) > 500 {
			return errors.New("condition.expression must be 1..500 chars")
		}
	case NodeAPI:
		url, _ := n.Data["url"].(string)
		method, _ := n.Data["method"].(string)
		if url == "" {
			return errors.New("api.url is required")
		}
		switch method {
		case "GET", "POST", "PUT", "PATCH", "DELETE", "":
		default:
			return errors.Errorf("api.method %q is not supported", method)
		}
	case NodeAssign:
		key, _ := n.Data["key"].(string)
		value, _ := n.Data["value"].(string)
		if len(key) == 0 || len(key) > 50 {
			return errors.New("assign.key must be 1..50 chars")
		}
		if len(value) > 500 {
			return errors.New("assign.value must be <=500 chars")
		}
	case NodeMedia:
		url, _ := n.Data["url"].(string)
		if url == "" {
			return errors.New("media.url is required")
		}
		if caption, ok := n.Data["caption"].(string); ok && len(caption) > 1024 {
			return errors.New("media.caption must be <=1024 chars")
		}
	case NodeHandoff:
		queue, _ := n.Data["queue"].(string)
		if queue == "" {
			return errors.New("handoff.queue is required")
		}
	case NodeGoto:
		target, _ := n.Data["targetNodeId"].(string)
		if target == "" {
			return errors.New("goto.targetNodeId is required")
		}
	case NodeEnd, NodeWhatsAppFlow:
		// no required fields beyond what the engine reads defensively
	default:
		return errors.Errorf("unknown node type %q", n.Type)
	}
	return nil
}

func numberField(data map[string]interface{}, key string) (float64, error) {
	v, ok := data[key]
	if !ok {
		return 0, errors.Errorf("missing field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, errors.Errorf("field %q is not numeric", key)
	}
}

// SortedOptionLabels returns the textual labels of an options node in
// declaration order, for matching and outbound payload construction.
func SortedOptionLabels(n *Node) []string {
	raw, _ := n.Data["options"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, o := range raw {
		if s, ok := o.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SortNodesByID is a helper for deterministic test fixtures; the engine
// never depends on node order, only on edge insertion order.
func SortNodesByID(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
