// Package metrics exposes the Prometheus collectors the engine, dispatcher
// and broadcast runner record against, grounded on the promauto pattern in
// the teacher's internal/services/message_service.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowSteps counts every node transition the engine executes.
	FlowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_engine_steps_total",
			Help: "Total number of flow node transitions executed.",
		},
		[]string{"node_type"},
	)

	// FlowInvocations counts each call to Engine.Execute by how it ended.
	FlowInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_engine_invocations_total",
			Help: "Total number of engine invocations by outcome.",
		},
		[]string{"outcome"},
	)

	// OutboundSends counts outbound Transport.Send calls by kind and
	// result classification.
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_engine_outbound_sends_total",
			Help: "Total number of outbound sends by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// StepDuration measures wall-clock time spent executing one node.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow_engine_step_duration_seconds",
			Help:    "Duration of a single node execution.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	// BroadcastRecipients counts broadcast recipients by final status.
	BroadcastRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_broadcast_recipients_total",
			Help: "Total number of broadcast recipients by final status.",
		},
		[]string{"status"},
	)

	// DispatchedMessages counts inbound webhook messages the dispatcher
	// processed, by outcome.
	DispatchedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_dispatcher_messages_total",
			Help: "Total number of inbound messages processed by outcome.",
		},
		[]string{"outcome"},
	)
)
