package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection health.
	relayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "connected",
		Help:      "Whether the broker connection is currently up",
	})

	connectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "connect_attempts_total",
		Help:      "Broker connection attempts, including reconnects",
	})

	// Message flow.
	messagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Messages relayed between bus and broker",
	}, []string{"direction"})

	bufferDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "buffer_dropped_total",
		Help:      "State topics evicted from the disconnect buffer",
	})

	// BLOB transfers.
	blobFragments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "blob_fragments_total",
		Help:      "BLOB fragments published to the broker",
	})

	blobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "blobs_dropped_total",
		Help:      "BLOBs dropped because the broker was unreachable",
	})

	// Inbound command handling.
	commandsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "commands_rejected_total",
		Help:      "Remote commands rejected by registry validation",
	})

	commandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "commands_dropped_total",
		Help:      "Remote commands dropped because the pending queue was full",
	})

	commandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "relay",
		Name:      "command_timeouts_total",
		Help:      "Command gates reopened by timeout instead of a state update",
	})
)
