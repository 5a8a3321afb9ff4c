package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drynks_chat_messages_sent_total",
			Help: "Messages accepted by the durable store.",
		},
	)

	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drynks_chat_send_failures_total",
			Help: "Local sends that ended in the failed state, by reason.",
		},
		[]string{"reason"},
	)

	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drynks_chat_realtime_events_total",
			Help: "Realtime changes applied to conversations, by table.",
		},
		[]string{"table"},
	)

	realtimeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drynks_chat_realtime_dropped_total",
			Help: "Realtime changes dropped as malformed or unroutable, by table.",
		},
		[]string{"table"},
	)

	realtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drynks_chat_realtime_reconnects_total",
			Help: "Subscription reconnect attempts.",
		},
	)

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drynks_chat_uploads_total",
			Help: "Attachment upload attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	sweptMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drynks_chat_retention_swept_total",
			Help: "Retention sweep deletions, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	openConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drynks_chat_open_conversations",
			Help: "Conversation handles currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(sendFailures)
	prometheus.MustRegister(realtimeEvents)
	prometheus.MustRegister(realtimeDropped)
	prometheus.MustRegister(realtimeReconnects)
	prometheus.MustRegister(uploadsTotal)
	prometheus.MustRegister(sweptMessages)
	prometheus.MustRegister(openConversations)
}
