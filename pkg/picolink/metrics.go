package picolink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "frames_total",
		Help:      "Frames exchanged with the microcontroller.",
	}, []string{"direction"})

	crcErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "crc_errors_total",
		Help:      "Inbound frames discarded for a bad checksum.",
	})

	resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "resyncs_total",
		Help:      "Scans for a new start marker after a corrupt frame.",
	})

	unknownFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "unknown_frames_total",
		Help:      "Valid frames with a code no property is mapped to.",
	})

	retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "retransmits_total",
		Help:      "Commands sent a second time after a missed ack.",
	})

	commandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "command_timeouts_total",
		Help:      "Commands abandoned after the retransmit also went unanswered.",
	})

	commandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "serial",
		Name:      "commands_dropped_total",
		Help:      "Commands rejected before reaching the wire.",
	})
)
